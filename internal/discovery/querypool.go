package discovery

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/lahnstrom/trialscout/internal/store"
)

// QueryPool is the shared pool of prepared GPT query bundles keyed by trial
// id. Bundles live in the cache store; ImportDir and ExportV1/ExportV2 move
// them to and from the per-trial JSON file layout shared between runs (queries/ for v1,
// queries_v2/ for v2).
type QueryPool struct {
	store *store.Store
}

func NewQueryPool(s *store.Store) *QueryPool {
	return &QueryPool{store: s}
}

func (p *QueryPool) GetV1(trialID string) (*QueryBundleV1, error) {
	var bundle QueryBundleV1
	if err := p.store.Get(store.TypeGPTQueries, trialID, &bundle); err != nil {
		return nil, err
	}
	return &bundle, nil
}

func (p *QueryPool) PutV1(trialID string, bundle *QueryBundleV1) error {
	return p.store.Put(store.TypeGPTQueries, trialID, bundle)
}

func (p *QueryPool) GetV2(trialID string) (*QueryBundleV2, error) {
	var bundle QueryBundleV2
	if err := p.store.Get(store.TypeGPTQueriesV2, trialID, &bundle); err != nil {
		return nil, err
	}
	bundle.Clamp()
	return &bundle, nil
}

func (p *QueryPool) PutV2(trialID string, bundle *QueryBundleV2) error {
	return p.store.Put(store.TypeGPTQueriesV2, trialID, bundle)
}

// ImportDir loads {trialID}.json bundle files from a shared pool directory.
// v2 selects the queries_v2 parse; anything else parses as v1.
func (p *QueryPool) ImportDir(dir string, v2 bool) (int, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("query pool read dir: %w", err)
	}
	imported := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		trialID := strings.TrimSuffix(entry.Name(), ".json")
		raw, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return imported, fmt.Errorf("query pool read %s: %w", entry.Name(), err)
		}
		if v2 {
			var bundle QueryBundleV2
			if err := json.Unmarshal(raw, &bundle); err != nil {
				continue
			}
			bundle.Clamp()
			if err := p.PutV2(trialID, &bundle); err != nil {
				return imported, err
			}
		} else {
			var bundle QueryBundleV1
			if err := json.Unmarshal(raw, &bundle); err != nil {
				continue
			}
			if err := p.PutV1(trialID, &bundle); err != nil {
				return imported, err
			}
		}
		imported++
	}
	return imported, nil
}

// ExportV1 writes a v1 bundle to the shared pool directory layout.
func (p *QueryPool) ExportV1(dir, trialID string, bundle *QueryBundleV1) error {
	return writeBundleFile(dir, trialID, bundle)
}

// ExportV2 writes a v2 bundle to the shared pool directory layout.
func (p *QueryPool) ExportV2(dir, trialID string, bundle *QueryBundleV2) error {
	return writeBundleFile(dir, trialID, bundle)
}

func writeBundleFile(dir, trialID string, bundle any) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	raw, err := json.MarshalIndent(bundle, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, trialID+".json"), raw, 0o644)
}
