package saga

import (
	"context"
	"sync"
	"time"

	"go.relaykit.dev/internal/common/clock"
)

// MemoryRepository keeps saga instances in process memory. The version
// check happens under the repository mutex, so racing saves serialize and
// exactly one writer wins per version.
type MemoryRepository struct {
	clk clock.Clock

	mu        sync.Mutex
	instances map[string]*Instance
}

// NewMemoryRepository creates an in-memory saga repository. A nil clock
// uses the system clock.
func NewMemoryRepository(clk clock.Clock) *MemoryRepository {
	if clk == nil {
		clk = clock.NewSystem()
	}
	return &MemoryRepository{clk: clk, instances: make(map[string]*Instance)}
}

func (r *MemoryRepository) Load(_ context.Context, sagaType, correlationID string) (*Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[InstanceKey(sagaType, correlationID)]
	if !ok {
		return nil, nil
	}
	return inst.clone(), nil
}

func (r *MemoryRepository) Save(_ context.Context, inst *Instance, expectedVersion int64) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, exists := r.instances[inst.Key]
	if expectedVersion == 0 {
		if exists {
			return false, nil
		}
	} else {
		if !exists || stored.Version != expectedVersion {
			return false, nil
		}
	}

	inst.Version = expectedVersion + 1
	inst.UpdatedAt = r.clk.Now()
	r.instances[inst.Key] = inst.clone()
	return true, nil
}

func (r *MemoryRepository) GetExpired(_ context.Context, now time.Time, limit int) ([]*Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var expired []*Instance
	for _, inst := range r.instances {
		if inst.Expired(now) {
			expired = append(expired, inst.clone())
			if limit > 0 && len(expired) >= limit {
				break
			}
		}
	}
	return expired, nil
}
