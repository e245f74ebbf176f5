package queue_test

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/valuerank/valuerank/pkg/config"
	"github.com/valuerank/valuerank/pkg/queue"
)

func TestLocalNotifier_CoalescesWakeups(t *testing.T) {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	n := queue.NewNotifier(log, nil)
	require.NoError(t, n.Start(context.Background()))

	t.Cleanup(func() { _ = n.Stop() })

	// Repeated notifications collapse into at most one pending wakeup.
	n.NotifyRunActivity("run-1")
	n.NotifyRunActivity("run-2")
	n.NotifyRunActivity("run-3")

	select {
	case <-n.Wake():
	default:
		t.Fatal("expected a pending wakeup")
	}

	select {
	case <-n.Wake():
		t.Fatal("wakeups must coalesce")
	default:
	}
}

func TestNewNotifier_DisabledConfigUsesLocal(t *testing.T) {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	n := queue.NewNotifier(log, &config.NATSConfig{Enabled: false})
	require.NoError(t, n.Start(context.Background()))
	assert.NotNil(t, n.Wake())
	require.NoError(t, n.Stop())
}
