package job

import (
	"context"
	"errors"
	"testing"

	"clubapoints/internal/config"
	"clubapoints/internal/model"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type fakeSender struct {
	sent []string // message key 序列
	err  error
}

func (f *fakeSender) Send(topic, key, value string) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, key)
	return nil
}

func senderConfig() *config.Config {
	return &config.Config{
		Business: config.BusinessConfig{MaxRetryCount: 3},
	}
}

func seedPending(t *testing.T, db *gorm.DB, key string) *model.OutboxMessage {
	t.Helper()
	msg := &model.OutboxMessage{
		MessageKey: key,
		Topic:      "points.credit",
		Payload:    `{"ledger_id":"` + key + `"}`,
		Status:     model.OutboxStatusPending,
	}
	require.NoError(t, db.Create(msg).Error)
	return msg
}

func TestOutboxSenderMarksSent(t *testing.T) {
	db := setupDB(t)
	sender := &fakeSender{}
	job := NewOutboxSender(db, senderConfig(), sender)

	msg := seedPending(t, db, "stripe:evt_1")
	job.processPendingMessages(context.Background())

	require.Equal(t, []string{"stripe:evt_1"}, sender.sent)

	var got model.OutboxMessage
	require.NoError(t, db.First(&got, msg.ID).Error)
	require.Equal(t, model.OutboxStatusSent, got.Status)
}

func TestOutboxSenderRetriesThenFails(t *testing.T) {
	db := setupDB(t)
	sender := &fakeSender{err: errors.New("broker unavailable")}
	job := NewOutboxSender(db, senderConfig(), sender)

	msg := seedPending(t, db, "stripe:evt_1")

	// 前两轮失败只累加重试次数
	job.processPendingMessages(context.Background())
	job.processPendingMessages(context.Background())

	var got model.OutboxMessage
	require.NoError(t, db.First(&got, msg.ID).Error)
	require.Equal(t, model.OutboxStatusPending, got.Status)
	require.Equal(t, 2, got.RetryCount)

	// 第三轮触顶，标记为失败，不再投递
	job.processPendingMessages(context.Background())
	require.NoError(t, db.First(&got, msg.ID).Error)
	require.Equal(t, model.OutboxStatusFailed, got.Status)

	sender.err = nil
	job.processPendingMessages(context.Background())
	require.Empty(t, sender.sent)
}
