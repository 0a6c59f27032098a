package state

import (
	"context"
	"fmt"
	"hash/fnv"

	"github.com/vmihailenco/msgpack/v5"
	"gitlab.com/shar-workflow/shar-scopes/common/document"
	"gitlab.com/shar-workflow/shar-scopes/model"
	"gitlab.com/shar-workflow/shar-scopes/server/errors"
	"gitlab.com/shar-workflow/shar-scopes/server/services/cache"
)

// Deployments stores deployed process definitions in their encoded form and serves decoded
// definitions through a cache.
type Deployments struct {
	j        *Journal
	encoded  map[int64][]byte
	latest   map[string]int64
	versions map[string]int32
	cache    *cache.Cache
}

func newDeployments(j *Journal, c *cache.Cache) *Deployments {
	return &Deployments{
		j:        j,
		encoded:  make(map[int64][]byte),
		latest:   make(map[string]int64),
		versions: make(map[string]int32),
		cache:    c,
	}
}

// NextVersion returns the version a new deployment of a BPMN process id would receive.
func (d *Deployments) NextVersion(bpmnProcessID string) int32 {
	return d.versions[bpmnProcessID] + 1
}

// Put stores a deployed process and makes it the latest version of its BPMN process id.
func (d *Deployments) Put(dp *model.DeployedProcess) error {
	b, err := document.Encode(dp)
	if err != nil {
		return fmt.Errorf("encode deployed process %s: %w", dp.BpmnProcessID, err)
	}
	put(d.j, d.encoded, dp.Key, b)
	put(d.j, d.versions, dp.BpmnProcessID, dp.Version)
	put(d.j, d.latest, dp.BpmnProcessID, dp.Key)
	return nil
}

// Get returns a deployed process by definition key.
func (d *Deployments) Get(ctx context.Context, key int64) (*model.DeployedProcess, error) {
	b, ok := d.encoded[key]
	if !ok {
		return nil, fmt.Errorf("process definition %d: %w", key, errors.ErrProcessNotFound)
	}
	dp, err := cache.Cacheable(definitionCacheKey(key, b), func() (*model.DeployedProcess, error) {
		dp := &model.DeployedProcess{}
		if err := msgpack.Unmarshal(b, dp); err != nil {
			return nil, fmt.Errorf("decode process definition %d: %w", key, err)
		}
		return dp, nil
	}, d.cache)
	if err != nil {
		return nil, fmt.Errorf("get deployed process: %w", err)
	}
	return dp, nil
}

// Latest returns the latest deployed version of a BPMN process id.
func (d *Deployments) Latest(ctx context.Context, bpmnProcessID string) (*model.DeployedProcess, error) {
	key, ok := d.latest[bpmnProcessID]
	if !ok {
		return nil, fmt.Errorf("latest version of %s: %w", bpmnProcessID, errors.ErrProcessNotFound)
	}
	return d.Get(ctx, key)
}

// LatestKeys returns the definition keys of the latest version of every process, in BPMN
// process id order.
func (d *Deployments) LatestKeys() []int64 {
	ret := make([]int64, 0, len(d.latest))
	for _, id := range document.SortedNames(d.latest) {
		ret = append(ret, d.latest[id])
	}
	return ret
}

// definitionCacheKey is unique per encoded definition. Keys handed out by a rolled back record
// are handed out again.
func definitionCacheKey(key int64, b []byte) string {
	h := fnv.New64a()
	_, _ = h.Write(b)
	return fmt.Sprintf("pd:%d:%x", key, h.Sum64())
}
