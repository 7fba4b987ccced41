// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package history accumulates the per-epoch metrics of a run and persists them once, at the
// end, for later analysis.
//
// Metrics are collected per epoch in an Entry, and appended to the Record only once the epoch
// completes. Scalar metrics (losses, accuracies, AUC) grow by one value per epoch. Evaluation
// splits also record, per epoch, the list of predictions, true labels and class probabilities.
package history

import (
	"encoding/gob"
	"encoding/json"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// Key suffixes, prefixed by the split name ("train", "valid" or "test"), e.g. "valid_auc_score".
const (
	SuffixLoss       = "loss"
	SuffixAccuracy   = "acc"
	SuffixAUC        = "auc_score"
	SuffixPreds      = "preds_list"
	SuffixTrueLabels = "truelabels_list"
	SuffixProbas     = "probas_list"
)

// Key returns the history key for a split and suffix, e.g. Key("train", SuffixLoss) == "train_loss".
func Key(split, suffix string) string { return split + "_" + suffix }

// ErrSealed is returned when appending to a Record that was already saved.
var ErrSealed = errors.New("history record already saved, it can't be changed")

// Record is the history of one run.
//
// Scalars maps a key to one value per epoch, Lists maps a key to one list per epoch and
// Probabilities maps a key to one [num_samples][num_classes] matrix per epoch. Every key
// holds exactly one entry per element of Epochs.
type Record struct {
	Scalars       map[string][]float64
	Lists         map[string][][]float64
	Probabilities map[string][][][]float64

	// Epochs holds the epoch number of each entry.
	Epochs []int

	sealed bool
}

// New creates an empty Record.
func New() *Record {
	return &Record{
		Scalars:       make(map[string][]float64),
		Lists:         make(map[string][][]float64),
		Probabilities: make(map[string][][][]float64),
	}
}

// Entry holds the metrics of one epoch, before they are appended to a Record.
type Entry struct {
	Epoch         int
	Scalars       map[string]float64
	Lists         map[string][]float64
	Probabilities map[string][][]float64
}

// NewEntry creates an empty Entry for epoch.
func NewEntry(epoch int) *Entry {
	return &Entry{
		Epoch:         epoch,
		Scalars:       make(map[string]float64),
		Lists:         make(map[string][]float64),
		Probabilities: make(map[string][][]float64),
	}
}

// SetScalar sets the value of key.
func (e *Entry) SetScalar(key string, value float64) { e.Scalars[key] = value }

// SetList sets the list of values of key.
func (e *Entry) SetList(key string, values []float64) { e.Lists[key] = values }

// SetInts sets a list of integers (predictions or labels) for key.
func (e *Entry) SetInts(key string, values []int) {
	list := make([]float64, len(values))
	for ii, v := range values {
		list[ii] = float64(v)
	}
	e.Lists[key] = list
}

// SetProbabilities sets the probability vectors of all samples for key, one vector per sample.
func (e *Entry) SetProbabilities(key string, probabilities [][]float32) {
	matrix := make([][]float64, len(probabilities))
	for ii, probs := range probabilities {
		matrix[ii] = make([]float64, len(probs))
		for jj, p := range probs {
			matrix[ii][jj] = float64(p)
		}
	}
	e.Probabilities[key] = matrix
}

func (e *Entry) keys() []string {
	keys := make([]string, 0, len(e.Scalars)+len(e.Lists)+len(e.Probabilities))
	for key := range e.Scalars {
		keys = append(keys, key)
	}
	for key := range e.Lists {
		keys = append(keys, key)
	}
	for key := range e.Probabilities {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Append adds the metrics of one epoch to the record.
//
// After the first epoch, the entry must have the same keys as the record, so every key keeps
// one entry per epoch. On error the record is left unchanged.
func (r *Record) Append(e *Entry) error {
	if r.sealed {
		return errors.WithStack(ErrSealed)
	}
	if n := len(r.Epochs); n > 0 {
		if e.Epoch <= r.Epochs[n-1] {
			return errors.Errorf("epoch %d appended after epoch %d", e.Epoch, r.Epochs[n-1])
		}
		if got, want := e.keys(), r.Keys(); !slices.Equal(got, want) {
			return errors.Errorf("epoch %d has keys %q, but previous epochs have %q", e.Epoch, got, want)
		}
	}
	r.Epochs = append(r.Epochs, e.Epoch)
	for key, value := range e.Scalars {
		r.Scalars[key] = append(r.Scalars[key], value)
	}
	for key, values := range e.Lists {
		r.Lists[key] = append(r.Lists[key], values)
	}
	for key, matrix := range e.Probabilities {
		r.Probabilities[key] = append(r.Probabilities[key], matrix)
	}
	return nil
}

// Scalar returns the values of a scalar key, one per epoch.
func (r *Record) Scalar(key string) []float64 { return r.Scalars[key] }

// List returns the lists of a key, one per epoch.
func (r *Record) List(key string) [][]float64 { return r.Lists[key] }

// Probas returns the probability matrices of a key, one per epoch, shaped [num_samples][num_classes].
func (r *Record) Probas(key string) [][][]float64 { return r.Probabilities[key] }

// Len returns the number of entries of key, of any kind.
func (r *Record) Len(key string) int {
	if values, found := r.Scalars[key]; found {
		return len(values)
	}
	if values, found := r.Lists[key]; found {
		return len(values)
	}
	return len(r.Probabilities[key])
}

// Keys returns all keys, sorted.
func (r *Record) Keys() []string {
	keys := make([]string, 0, len(r.Scalars)+len(r.Lists)+len(r.Probabilities))
	for key := range r.Scalars {
		keys = append(keys, key)
	}
	for key := range r.Lists {
		keys = append(keys, key)
	}
	for key := range r.Probabilities {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// IsSealed returns whether the record was already saved.
func (r *Record) IsSealed() bool { return r.sealed }

// Save writes the record to path, and seals it: further appends fail with ErrSealed.
//
// The format is chosen by the extension: ".json" writes JSON, anything else gob.
func (r *Record) Save(path string) error {
	if r.sealed {
		return errors.WithStack(ErrSealed)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrapf(err, "failed to create directory for history file %q", path)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "failed to create history file %q", path)
	}
	if isJSON(path) {
		enc := json.NewEncoder(f)
		enc.SetIndent("", "  ")
		err = enc.Encode(r)
	} else {
		err = gob.NewEncoder(f).Encode(r)
	}
	if err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "failed to encode history to %q", path)
	}
	if err = f.Close(); err != nil {
		return errors.Wrapf(err, "failed to close history file %q", path)
	}
	r.sealed = true
	return nil
}

// Load reads a record saved with Record.Save. The returned record is sealed.
func Load(path string) (*Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open history file %q", path)
	}
	defer func() { _ = f.Close() }()
	r := New()
	if isJSON(path) {
		err = json.NewDecoder(f).Decode(r)
	} else {
		err = gob.NewDecoder(f).Decode(r)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to decode history file %q", path)
	}
	r.sealed = true
	return r, nil
}

func isJSON(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".json")
}
