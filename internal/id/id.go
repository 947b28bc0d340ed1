// Package id generates the prefixed, type-tagged identifiers used
// throughout RingForge Hub (message, thread, escalation, announcement,
// notification, and task ids).
package id

import (
	"fmt"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

const (
	base62Alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	hexAlphabet    = "0123456789abcdef"
)

func generate(alphabet string, size int) string {
	s, err := gonanoid.Generate(alphabet, size)
	if err != nil {
		panic(fmt.Sprintf("generate id: %v", err))
	}
	return s
}

// Message returns a message_id: "msg_" + 12-char base62.
func Message() string {
	return "msg_" + generate(base62Alphabet, 12)
}

// Thread returns a thread_id: "thr_" + 12-char base62.
func Thread() string {
	return "thr_" + generate(base62Alphabet, 12)
}

// Escalation returns an escalation id: "esc_" + 16-char base62.
func Escalation() string {
	return "esc_" + generate(base62Alphabet, 16)
}

// Announcement returns an announcement id: "ann_" + 12-char base62.
func Announcement() string {
	return "ann_" + generate(base62Alphabet, 12)
}

// Notification returns a notification id: "ntf_" + 16-char base62.
func Notification() string {
	return "ntf_" + generate(base62Alphabet, 16)
}

// Task returns a task_id: "task_" + 16-char hex.
func Task() string {
	return "task_" + generate(hexAlphabet, 16)
}

// Event returns an activity-log event_id: "evt_" + 16-char base62.
// The spec names the event_id field but does not fix its format;
// this follows the same "prefix_" + base62 convention as the other
// entity ids.
func Event() string {
	return "evt_" + generate(base62Alphabet, 16)
}
