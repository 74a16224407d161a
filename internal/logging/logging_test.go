package logging

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestNew_Level(t *testing.T) {
	assert.Equal(t, logrus.DebugLevel, New("DEBUG", "text").GetLevel())
	assert.Equal(t, logrus.InfoLevel, New("nonsense", "text").GetLevel())
}

func TestNew_JSONFormatter(t *testing.T) {
	l := New("info", "json")
	_, ok := l.Formatter.(*logrus.JSONFormatter)
	assert.True(t, ok)
}
