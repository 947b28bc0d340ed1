package id_test

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ringforge/hub/internal/id"
)

func TestMessage(t *testing.T) {
	got := id.Message()
	assert.Regexp(t, regexp.MustCompile(`^msg_[A-Za-z0-9]{12}$`), got)
	assert.NotEqual(t, got, id.Message())
}

func TestThread(t *testing.T) {
	assert.Regexp(t, regexp.MustCompile(`^thr_[A-Za-z0-9]{12}$`), id.Thread())
}

func TestEscalation(t *testing.T) {
	assert.Regexp(t, regexp.MustCompile(`^esc_[A-Za-z0-9]{16}$`), id.Escalation())
}

func TestAnnouncement(t *testing.T) {
	assert.Regexp(t, regexp.MustCompile(`^ann_[A-Za-z0-9]{12}$`), id.Announcement())
}

func TestNotification(t *testing.T) {
	assert.Regexp(t, regexp.MustCompile(`^ntf_[A-Za-z0-9]{16}$`), id.Notification())
}

func TestTask(t *testing.T) {
	assert.Regexp(t, regexp.MustCompile(`^task_[0-9a-f]{16}$`), id.Task())
}
