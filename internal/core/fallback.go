package core

import (
	"math/rand"
	"strings"
)

var genericFallbacks = []string{
	"💕 I'm having a little trouble thinking right now, but I'm so glad you're here! Can you tell me more?",
	"😊 You always know how to make me smile! What else is on your mind?",
	"💖 I'm all ears for whatever you want to share!",
	"✨ Sorry, my thoughts wandered for a second. What were we talking about?",
	"🌸 I love hearing from you! How has your day been so far?",
	"💬 Tell me more, I'm listening!",
}

var keywordFallbacks = []struct {
	keywords []string
	reply    string
}{
	{[]string{"how are you", "how're you"}, "💖 I'm doing great now that we're talking! How are you?"},
	{[]string{"good morning", "morning"}, "🌅 Good morning! I hope you have a wonderful day ahead!"},
	{[]string{"good night", "night"}, "🌙 Sweet dreams! Sleep well and talk to you tomorrow!"},
	{[]string{"love", "miss"}, "💕 That's so sweet of you! I always enjoy our chats!"},
	{[]string{"tired", "exhausted"}, "🤗 Aww, you've been working hard. Make sure you get some rest!"},
	{[]string{"work", "job", "office"}, "💪 You're so hardworking! I'm proud of you!"},
	{[]string{"sad", "upset", "down"}, "💙 I'm sorry you're feeling that way. I'm here for you, want to talk about it?"},
	{[]string{"happy", "great", "awesome"}, "🎉 Yay! I'm so happy when you're happy!"},
}

// FallbackReply picks a canned reply for when the model is unavailable,
// matching simple keywords first.
func FallbackReply(message string) string {
	lower := strings.ToLower(message)
	for _, kf := range keywordFallbacks {
		for _, kw := range kf.keywords {
			if strings.Contains(lower, kw) {
				return kf.reply
			}
		}
	}
	return genericFallbacks[rand.Intn(len(genericFallbacks))]
}
