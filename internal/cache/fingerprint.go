// Package cache implements the step cache: content fingerprinting over a
// step's command, payload, and input source signatures; output-contract
// validation; and a persisted keyed store with TTL and invalidation.
// Grounded on the sha256/stable-serialization fingerprinting and
// singleflight dedup of internal/quality/engine.go, with the LRU/TTL
// bookkeeping style of internal/quality/cache.go adapted to a single
// persisted document per spec.md §4.3.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/msageha/orchestrator-core/internal/model"
)

// sourcePathFields are the payload keys recognized as carrying a
// filesystem path whose content must be folded into the fingerprint.
var sourcePathFields = []string{"folder_path", "path", "file", "source"}

// Fingerprinter computes step fingerprints, deduplicating concurrent
// identical computations via singleflight.
type Fingerprinter struct {
	group singleflight.Group
}

func NewFingerprinter() *Fingerprinter {
	return &Fingerprinter{}
}

// Fingerprint computes the hex digest of a stable serialization of
// {cmd, payload, source signatures, tool versions} per spec.md §4.3.
// Concurrent calls with an identical input set share one computation.
func (f *Fingerprinter) Fingerprint(ctx context.Context, cmd string, payload map[string]any, toolVersions map[string]string) (string, error) {
	key := string(canonicalFingerprintInput(cmd, payload, nil, toolVersions))

	v, err, _ := f.group.Do(key, func() (any, error) {
		sigs, err := f.sourceSignatures(ctx, payload)
		if err != nil {
			return "", fmt.Errorf("compute source signatures: %w", err)
		}
		sum := sha256.Sum256(canonicalFingerprintInput(cmd, payload, sigs, toolVersions))
		return hex.EncodeToString(sum[:]), nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// sourceSignatures computes one signature per recognized path-bearing
// payload field, hashing concurrently via errgroup.
func (f *Fingerprinter) sourceSignatures(ctx context.Context, payload map[string]any) (map[string]model.SourceSignature, error) {
	candidates := map[string]string{}
	for _, field := range sourcePathFields {
		v, ok := payload[field]
		if !ok {
			continue
		}
		s, ok := v.(string)
		if !ok || s == "" {
			continue
		}
		candidates[field] = s
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	result := make(map[string]model.SourceSignature, len(candidates))
	var mu sync.Mutex
	var g errgroup.Group
	for field, path := range candidates {
		field, path := field, path
		g.Go(func() error {
			sig, err := signaturePath(path)
			if err != nil {
				return err
			}
			mu.Lock()
			result[field] = sig
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return result, nil
}

func signaturePath(path string) (model.SourceSignature, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return model.SourceSignature{AbsolutePath: path, Exists: false}, nil
		}
		return model.SourceSignature{}, fmt.Errorf("stat %s: %w", path, err)
	}

	if info.IsDir() {
		entries, err := os.ReadDir(path)
		if err != nil {
			return model.SourceSignature{}, fmt.Errorf("read dir %s: %w", path, err)
		}
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.Name())
		}
		sort.Strings(names)

		children := make([]model.SourceSignature, 0, len(names))
		for _, name := range names {
			child, err := signaturePath(filepath.Join(path, name))
			if err != nil {
				return model.SourceSignature{}, err
			}
			children = append(children, child)
		}
		return model.SourceSignature{
			AbsolutePath: path,
			Exists:       true,
			ModTimeUnix:  info.ModTime().Unix(),
			Children:     children,
		}, nil
	}

	checksum, err := checksumFile(path)
	if err != nil {
		return model.SourceSignature{}, err
	}
	return model.SourceSignature{
		AbsolutePath: path,
		Exists:       true,
		Size:         info.Size(),
		ModTimeUnix:  info.ModTime().Unix(),
		Checksum:     checksum,
	}, nil
}

func checksumFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	h := sha256.New()
	buf := make([]byte, 64*1024)
	for {
		n, err := f.Read(buf)
		if n > 0 {
			h.Write(buf[:n])
		}
		if err != nil {
			break
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// canonicalFingerprintInput produces a deterministic byte sequence: keys
// sorted at every mapping level, array order preserved, per spec.md §4.3
// ("the digest must be stable across runs on the same inputs").
func canonicalFingerprintInput(cmd string, payload map[string]any, sigs map[string]model.SourceSignature, toolVersions map[string]string) []byte {
	doc := map[string]any{
		"cmd":           cmd,
		"payload":       payload,
		"sources":       sigs,
		"tool_versions": toolVersions,
	}
	return canonicalJSON(doc)
}

// canonicalJSON renders v with object keys sorted at every level. Go's
// encoding/json already sorts map[string]any keys; this only needs to
// hold for nested maps with non-string-keyed types, which none of our
// inputs use, so a direct marshal is already stable.
func canonicalJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		// all inputs are JSON-marshalable by construction (strings, maps,
		// model.SourceSignature); a marshal failure here is a programming error.
		panic(fmt.Sprintf("canonicalJSON: %v", err))
	}
	return data
}
