package notify_test

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"epay-reconciler/internal/domain"
	"epay-reconciler/internal/notify"
)

func TestLogNotifier(t *testing.T) {
	logger, hook := test.NewNullLogger()
	n := notify.NewLogNotifier(logger)

	evt := domain.NewOutboxEvent(domain.EventPaymentSuccess, "INV-001", map[string]string{"email": "john@example.com"}, time.Now())
	require.NoError(t, n.Notify(context.Background(), evt, &domain.Invoice{Number: "INV-001", Status: domain.InvoicePaid}))

	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, logrus.InfoLevel, entry.Level)
	assert.Equal(t, domain.EventPaymentSuccess, entry.Data["event"])
	assert.Equal(t, domain.ChannelEmail, entry.Data["channel"])
	assert.Equal(t, "john@example.com", entry.Data["prop_email"])
}
