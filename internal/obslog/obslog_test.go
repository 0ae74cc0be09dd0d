package obslog

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func TestNewParsesValidLevel(t *testing.T) {
	log := New("debug")
	require.Equal(t, logrus.DebugLevel, log.GetLevel())
}

func TestNewFallsBackToInfoOnBadLevel(t *testing.T) {
	log := New("not-a-level")
	require.Equal(t, logrus.InfoLevel, log.GetLevel())
}

func TestForConnCarriesSharedFields(t *testing.T) {
	log := New("info")
	entry := ForConn(log, "epoll", 42)
	require.Equal(t, "epoll", entry.Data["transport"])
	require.Equal(t, 42, entry.Data["fd"])
}
