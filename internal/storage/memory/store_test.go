package memory_test

import (
	"testing"

	"github.com/scrypster/entityres/internal/storage"
	"github.com/scrypster/entityres/internal/storage/memory"
	"github.com/scrypster/entityres/internal/storage/storagetest"
)

func TestStore(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Store { return memory.New() })
}
