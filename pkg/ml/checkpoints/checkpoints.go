// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package checkpoints implements checkpoint management: saving and loading of the training state
// (hyperparameters, number of steps trained and the state of attached components) to a directory.
//
// The main object is the Handler, that should be created by calling Build, followed by the
// various options setting and finally calling Config.Done.
// Once created, if a previously saved checkpoint exists, it is loaded: hyperparameters are
// immediately set into the given Params, and the state of each component (the model, the learning
// rate schedule) is restored when the component is attached with Handler.Attach.
//
// Checkpoints are JSON files, one per save. Optionally each checkpoint is also mirrored to an
// object store (see Config.Mirror), under a key that includes the run id.
//
// Example:
//
//	p := params.New()
//	…
//	var checkpoint *checkpoints.Handler
//	if *flagCheckpoint != "" {
//		checkpoint = must.M1(checkpoints.Build(p).Dir(*flagCheckpoint).Keep(*flagCheckpointKeep).Done())
//		must.M(checkpoint.Attach("model", model))
//	}
//	…
//	loop := train.NewLoop(model, learningRate)
//	if checkpoint != nil {
//		checkpoints.AttachToLoop(checkpoint, loop, 30_000)
//	}
package checkpoints

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gomlx/infill/pkg/ml/data/objectstore"
	"github.com/gomlx/infill/pkg/ml/params"
	"github.com/gomlx/infill/pkg/support/fsutil"
	"github.com/gomlx/infill/pkg/support/sets"
	"github.com/gomlx/infill/pkg/support/xslices"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// DirPermMode is the default directory creation permission (before umask) used.
var DirPermMode = os.FileMode(0770)

// Component is a part of the training state saved in checkpoints, e.g. the model weights.
type Component interface {
	json.Marshaler
	json.Unmarshaler
}

// Mirror receives a copy of each checkpoint file saved. objectstore.Store implements it.
type Mirror interface {
	PutFile(ctx context.Context, key, path string) error
}

var _ Mirror = (*objectstore.Store)(nil)

// Config for the checkpoints' Handler to be created. This is created with Build() and
// configured with the various methods. Once finished, call Done() and it will output
// a checkpoints.Handler that loads (if there are any previously saved checkpoints) and
// saves checkpoints.
type Config struct {
	params *params.Params

	dir      string
	keep     int
	mustLoad bool

	includeParams   bool             // whether to includeParams in loading/saving.
	paramsToExclude sets.Set[string] // specific parameter names to exclude from loading.

	mirror       Mirror
	mirrorPrefix string
}

// Build a configuration for building a checkpoints.Handler. After configuring the
// Config object returned, call `Done` to get the configured checkpoints.Handler.
//
// The hyperparameters p are saved with every checkpoint, and they are overwritten with the values
// loaded from a previous checkpoint, except those excluded with Config.ExcludeParams.
// p can be nil, in which case no hyperparameters are saved or loaded.
func Build(p *params.Params) *Config {
	return &Config{
		params:          p,
		includeParams:   p != nil,
		keep:            1,
		paramsToExclude: sets.Make[string](),
	}
}

// Load creates the configuration to load a checkpoint.
// It's identical to Build, except it will fail if the checkpoint does not already exist.
func Load(p *params.Params) *Config {
	c := Build(p)
	c.mustLoad = true
	return c
}

// Dir sets the directory where to save / load the checkpoints. It is created if it doesn't exist.
// A "~" prefix is replaced by the user's home directory.
func (c *Config) Dir(dir string) *Config {
	c.dir = dir
	return c
}

// Keep configures the number of checkpoint files to keep. If set to -1, it will never erase older checkpoints.
// The default is 1.
func (c *Config) Keep(n int) *Config {
	c.keep = n
	return c
}

// ExcludeAllParams configures the Handler not to load or save hyperparameters.
func (c *Config) ExcludeAllParams() *Config {
	c.includeParams = false
	return c
}

// ExcludeParams configures the Handler not to load the given hyperparameters from the checkpoint:
// their current values are kept. They are still saved.
func (c *Config) ExcludeParams(paramsToExclude ...string) *Config {
	c.paramsToExclude.Insert(paramsToExclude...)
	return c
}

// Mirror configures a copy of every saved checkpoint to be uploaded to the mirror (usually an
// objectstore.Store), under the key "<prefix>/<run id>/<checkpoint file name>".
// Upload failures are logged, and don't interrupt training.
func (c *Config) Mirror(mirror Mirror, prefix string) *Config {
	c.mirror = mirror
	c.mirrorPrefix = prefix
	return c
}

// Done creates a Handler with the current configuration, and loads the latest checkpoint if
// there is one. It returns an error if the configuration is invalid or loading fails.
func (c *Config) Done() (*Handler, error) {
	if c.dir == "" {
		return nil, errors.Errorf("directory for checkpoints not configured")
	}
	dir, err := fsutil.ReplaceTildeInDir(c.dir)
	if err != nil {
		return nil, err
	}
	c.dir = dir
	if err := os.MkdirAll(c.dir, DirPermMode); err != nil {
		return nil, errors.Wrapf(err, "failed to create checkpoints directory %q", c.dir)
	}
	h := &Handler{
		config:     c,
		components: make(map[string]Component),
		serialized: &serializedData{Components: make(map[string]json.RawMessage)},
	}
	checkpoints, err := h.ListCheckpoints()
	if err != nil {
		return nil, err
	}
	if len(checkpoints) == 0 && c.mustLoad {
		return nil, errors.Errorf("no checkpoints found in %q", c.dir)
	}
	h.checkpointsCount = maxCheckPointCountFromCheckpoints(checkpoints) + 1
	if len(checkpoints) > 0 {
		if err := h.loadCheckpointFromFile(xslices.Last(checkpoints)); err != nil {
			return nil, err
		}
	}
	if h.serialized.RunID == "" {
		h.serialized.RunID = uuid.NewString()
		klog.V(1).Infof("%s: new run id %s", h, h.serialized.RunID)
	}
	return h, nil
}

// Handler handles saving and loading of checkpoints. See an example in the package documentation.
//
// Loading happens at its creation time: it loads from the latest checkpoint. Hyperparameters are
// immediately set, and the state of components is restored as they are attached.
//
// Saving of checkpoints is explicit, by calling Handler.Save, or by attaching the handler to a
// training loop with AttachToLoop. The state of loaded components that were never attached is
// kept and saved again.
type Handler struct {
	config     *Config
	serialized *serializedData
	components map[string]Component

	checkpointsCount int
	lastSavedStep    int
	loadedFrom       string
}

// serializedData is how the information is read and written from storage.
type serializedData struct {
	RunID      string                     `json:"run_id"`
	Step       int                        `json:"step"`
	Time       time.Time                  `json:"time"`
	Params     *params.Params             `json:"params,omitempty"`
	Components map[string]json.RawMessage `json:"components,omitempty"`
}

// String implements Stringer.
func (h *Handler) String() string {
	if h == nil {
		return "checkpoints.Handler(nil)"
	}
	return fmt.Sprintf("checkpoints.Handler(%q)", h.config.dir)
}

// Dir returns the directory the Handler is configured to.
// It returns "" (empty) if the Handler is `nil`.
func (h *Handler) Dir() string {
	if h == nil {
		return ""
	}
	return h.config.dir
}

// RunID returns the unique id of the training run: it is created with the first checkpoint and
// preserved when training is resumed.
func (h *Handler) RunID() string {
	return h.serialized.RunID
}

// Step returns the number of training steps completed in the loaded checkpoint, or 0.
func (h *Handler) Step() int {
	return h.serialized.Step
}

// LoadedFrom returns the base name of the checkpoint loaded, or "" if none was loaded.
func (h *Handler) LoadedFrom() string {
	return h.loadedFrom
}

// Time when the loaded checkpoint was saved, or the zero time if none was loaded.
func (h *Handler) Time() time.Time {
	return h.serialized.Time
}

// ComponentNames returns the sorted names of the components in the loaded checkpoint and those
// attached since.
func (h *Handler) ComponentNames() []string {
	names := sets.Make[string]()
	for name := range h.serialized.Components {
		names.Insert(name)
	}
	for name := range h.components {
		names.Insert(name)
	}
	return sets.Sorted(names)
}

// ComponentState returns the serialized state of the named component as loaded (or last saved).
// It returns false if there is no state for the name.
func (h *Handler) ComponentState(name string) (json.RawMessage, bool) {
	raw, found := h.serialized.Components[name]
	return raw, found
}

// Attach registers a component to be saved with each checkpoint, under the given name.
// If the loaded checkpoint has a state for the name, the component is restored immediately.
func (h *Handler) Attach(name string, component Component) error {
	if _, found := h.components[name]; found {
		return errors.Errorf("%s: component %q already attached", h, name)
	}
	h.components[name] = component
	raw, found := h.serialized.Components[name]
	if !found {
		return nil
	}
	if err := component.UnmarshalJSON(raw); err != nil {
		return errors.WithMessagef(err, "%s: failed to restore component %q from %s", h, name, h.loadedFrom)
	}
	klog.V(1).Infof("%s: restored %q from %s", h, name, h.loadedFrom)
	return nil
}

// newCheckpointBaseName returns the base name for the checkpoint files.
func (h *Handler) newCheckpointBaseName(step int) string {
	now := time.Now().Format("20060102-150405")
	baseName := fmt.Sprintf("%sn%07d-%s", baseNamePrefix, h.checkpointsCount, now)
	if step > 0 {
		return fmt.Sprintf("%s-step-%08d", baseName, step)
	}
	return fmt.Sprintf("%s-initial", baseName)
}

const (
	baseNamePrefix = "checkpoint-"

	// JsonNameSuffix for the JSON files returned by Handler.ListCheckpoints.
	JsonNameSuffix = ".json"

	// BackupDir is the name of the (sub-)directory under the checkpoints directory that holds
	// the backups. See Handler.Backup.
	BackupDir = "backup"
)

// ListCheckpoints returns the base names of the checkpoints in the directory in time order (older first).
//
// The actual file names are these base names suffixed with JsonNameSuffix.
func (h *Handler) ListCheckpoints() (checkpoints []string, err error) {
	entries, err := os.ReadDir(h.config.dir)
	if err != nil {
		return nil, errors.Wrapf(err, "%s listing checkpoints", h)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		fileName := entry.Name()
		if !strings.HasPrefix(fileName, baseNamePrefix) || !strings.HasSuffix(fileName, JsonNameSuffix) {
			continue
		}
		checkpoints = append(checkpoints, fileName[:len(fileName)-len(JsonNameSuffix)])
	}
	sort.Strings(checkpoints)
	return checkpoints, nil
}

// HasCheckpoints returns whether there are any checkpoints saved.
func (h *Handler) HasCheckpoints() (bool, error) {
	list, err := h.ListCheckpoints()
	return len(list) > 0, err
}

var checkpointCountRegex = regexp.MustCompile(`^checkpoint-n(\d+)-`)

// maxCheckPointCountFromCheckpoints returns the largest `checkpointCount` in the saved
// checkpoints -- so the next checkpoint saved uses this count+1.
//
// The input should be the output of Handler.ListCheckpoints.
func maxCheckPointCountFromCheckpoints(checkpoints []string) int {
	maxId := -1
	for _, name := range checkpoints {
		matches := checkpointCountRegex.FindStringSubmatch(name)
		if len(matches) != 2 {
			continue
		}
		id, err := strconv.Atoi(matches[1])
		if err != nil {
			continue
		}
		maxId = max(maxId, id)
	}
	return maxId
}

// loadCheckpointFromFile loads a specific checkpoint.
func (h *Handler) loadCheckpointFromFile(baseName string) error {
	klog.V(1).Infof("%s: loading %q", h, baseName)
	jsonPath := filepath.Join(h.config.dir, baseName+JsonNameSuffix)
	data, err := os.ReadFile(jsonPath)
	if err != nil {
		return errors.Wrapf(err, "%s: failed to read checkpoint %q", h, jsonPath)
	}
	loaded := &serializedData{}
	if err := json.Unmarshal(data, loaded); err != nil {
		return errors.Wrapf(err, "%s: failed to parse checkpoint %q", h, jsonPath)
	}
	if loaded.Components == nil {
		loaded.Components = make(map[string]json.RawMessage)
	}
	if h.config.includeParams && loaded.Params != nil {
		loaded.Params.Enumerate(func(key string, value any) {
			if h.config.paramsToExclude.Has(key) {
				return
			}
			h.config.params.Set(key, value)
		})
	}
	loaded.Params = nil
	h.serialized = loaded
	h.loadedFrom = baseName
	h.lastSavedStep = loaded.Step
	return nil
}

// Save writes a new checkpoint for the given number of steps completed, and removes the
// excess checkpoints (see Config.Keep).
//
// If the handler is nil, this is a no-op: so it's safe to simply be called, even if the user hasn't configured a
// checkpoint.
func (h *Handler) Save(step int) error {
	if h == nil {
		return nil
	}
	h.serialized.Step = step
	h.serialized.Time = time.Now()
	h.serialized.Params = nil
	if h.config.includeParams {
		h.serialized.Params = h.config.params
	}
	for name, component := range h.components {
		raw, err := component.MarshalJSON()
		if err != nil {
			return errors.WithMessagef(err, "%s: failed to serialize component %q", h, name)
		}
		h.serialized.Components[name] = raw
	}

	baseName := h.newCheckpointBaseName(step)
	h.checkpointsCount++ // Bump unique number.
	jsonPath := filepath.Join(h.config.dir, baseName+JsonNameSuffix)
	data, err := json.MarshalIndent(h.serialized, "", "\t")
	h.serialized.Params = nil
	if err != nil {
		return errors.Wrapf(err, "%s: failed to serialize checkpoint", h)
	}
	// Temporary file then rename: ListCheckpoints never sees a partial file.
	tmpPath := jsonPath + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0660); err != nil {
		return errors.Wrapf(err, "%s: failed to write checkpoint file %s", h, tmpPath)
	}
	if err := os.Rename(tmpPath, jsonPath); err != nil {
		return errors.Wrapf(err, "%s: failed to rename checkpoint file to %s", h, jsonPath)
	}
	h.lastSavedStep = step
	klog.V(1).Infof("%s: saved %s", h, baseName)

	if h.config.mirror != nil {
		key := objectstore.JoinKey(h.config.mirrorPrefix, h.RunID(), baseName+JsonNameSuffix)
		if err := h.config.mirror.PutFile(context.Background(), key, jsonPath); err != nil {
			klog.Warningf("%s: failed to mirror checkpoint to %q: %+v", h, key, err)
		}
	}
	return h.keepNCheckpoints()
}

// Backup links the latest checkpoint to a separate sub-directory under the checkpoints directory,
// called "backup" (constant in checkpoints.BackupDir).
//
// This way the backed up checkpoint doesn't get automatically deleted as the training progresses.
func (h *Handler) Backup() error {
	baseNames, err := h.ListCheckpoints()
	if err != nil {
		return errors.WithMessagef(err, "failed Backup() finding current checkpoints")
	}
	if len(baseNames) == 0 {
		return errors.Errorf("there are no saved checkpoints in %q: maybe call Save() before Backup() ?", h.Dir())
	}
	fileName := xslices.Last(baseNames) + JsonNameSuffix
	backupDir := filepath.Join(h.Dir(), BackupDir)
	if err = os.MkdirAll(backupDir, DirPermMode); err != nil {
		return errors.Wrapf(err, "trying to create dir %q", backupDir)
	}
	srcPath, newPath := filepath.Join(h.Dir(), fileName), filepath.Join(backupDir, fileName)
	if err = os.Link(srcPath, newPath); err != nil {
		return errors.Wrapf(err, "failed to link %q to %q", srcPath, newPath)
	}
	return nil
}

// keepNCheckpoints checks if there are more than the configured number of checkpoints, and removes
// the excess.
func (h *Handler) keepNCheckpoints() error {
	if h.config.keep < 0 {
		return nil
	}
	list, err := h.ListCheckpoints()
	if err != nil {
		return errors.Wrapf(err, "%s failed to list saved checkpoints", h)
	}
	if len(list) <= h.config.keep {
		return nil
	}

	// Remove the excess checkpoints, starting from the earlier ones.
	for _, baseName := range list[:len(list)-h.config.keep] {
		fileName := filepath.Join(h.config.dir, baseName+JsonNameSuffix)
		if err = os.Remove(fileName); err != nil && !os.IsNotExist(err) {
			return errors.Wrapf(err, "%s failed to remove excess checkpoint file %q", h, fileName)
		}
	}
	return nil
}
