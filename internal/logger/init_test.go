package logger

import (
	"log"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInitLogger(t *testing.T) {
	oldPrefix := log.Prefix()
	oldFlags := log.Flags()
	defer func() {
		log.SetPrefix(oldPrefix)
		log.SetFlags(oldFlags)
	}()

	InitLogger()

	assert.Equal(t, "[clarky] ", log.Prefix())
	assert.Equal(t, log.LstdFlags|log.Lshortfile, log.Flags())
}
