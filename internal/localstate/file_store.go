// Package localstate keeps one JSON blob per user on the device: the last-known
// subscription record, the durable trial flag and the usage counters.
package localstate

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/smallbiznis/wayfare/internal/catalog"
	"github.com/smallbiznis/wayfare/internal/clock"
	subscriptiondomain "github.com/smallbiznis/wayfare/internal/subscription/domain"
	usagedomain "github.com/smallbiznis/wayfare/internal/usage/domain"
)

const (
	stateVersion = 1

	privateDirPerm  = 0o700
	privateFilePerm = 0o600
	maxStateSize    = 1 << 20
)

var (
	ErrCorruptState = errors.New("corrupt_local_state")
	ErrUnsafePath   = errors.New("unsafe_local_state_path")
)

// State is the on-disk blob for one user. TrialPending marks a trial started while
// the backend was unreachable.
type State struct {
	Version      int                        `json:"version"`
	UserID       string                     `json:"user_id"`
	Record       *subscriptiondomain.Record `json:"record,omitempty"`
	TrialUsed    bool                       `json:"trial_used"`
	TrialPending bool                       `json:"trial_pending,omitempty"`
	Usage        usagedomain.Counters       `json:"usage,omitempty"`
	UpdatedAt    time.Time                  `json:"updated_at"`
}

// FileStore serializes access per process; each write replaces the file atomically.
type FileStore struct {
	dir   string
	clock clock.Clock
	mu    sync.Mutex
}

func NewFileStore(dir string, clk clock.Clock) (*FileStore, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, errors.New("local state directory cannot be empty")
	}
	if clk == nil {
		clk = clock.NewSystemClock()
	}
	return &FileStore{dir: dir, clock: clk}, nil
}

// Load returns the blob for userID. A missing file yields an empty State.
func (s *FileStore) Load(_ context.Context, userID string) (State, error) {
	if strings.TrimSpace(userID) == "" {
		return State{}, subscriptiondomain.ErrInvalidUserID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read(userID)
}

func (s *FileStore) LoadRecord(ctx context.Context, userID string) (subscriptiondomain.Record, bool, error) {
	state, err := s.Load(ctx, userID)
	if err != nil || state.Record == nil {
		return subscriptiondomain.Record{}, false, err
	}
	return state.Record.Clone(), true, nil
}

func (s *FileStore) SaveRecord(_ context.Context, record subscriptiondomain.Record) error {
	if err := record.Validate(); err != nil {
		return err
	}
	return s.update(record.UserID, func(state *State) {
		r := record.Clone()
		state.Record = &r
		if record.Status == subscriptiondomain.StatusTrial {
			state.TrialUsed = true
		}
	})
}

func (s *FileStore) TrialUsed(ctx context.Context, userID string) (bool, error) {
	state, err := s.Load(ctx, userID)
	if err != nil {
		return false, err
	}
	return state.TrialUsed, nil
}

// MarkTrialUsed sets the trial flag. The flag is never cleared.
func (s *FileStore) MarkTrialUsed(_ context.Context, userID string) error {
	return s.update(userID, func(state *State) {
		state.TrialUsed = true
	})
}

func (s *FileStore) TrialPending(ctx context.Context, userID string) (bool, error) {
	state, err := s.Load(ctx, userID)
	if err != nil {
		return false, err
	}
	return state.TrialPending, nil
}

func (s *FileStore) SetTrialPending(_ context.Context, userID string, pending bool) error {
	return s.update(userID, func(state *State) {
		state.TrialPending = pending
	})
}

func (s *FileStore) LoadCounters(ctx context.Context, userID string) (usagedomain.Counters, error) {
	state, err := s.Load(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make(usagedomain.Counters, len(state.Usage))
	for feature, counter := range state.Usage {
		out[feature] = counter
	}
	return out, nil
}

func (s *FileStore) SaveCounter(_ context.Context, userID string, feature catalog.Feature, counter usagedomain.Counter) error {
	return s.update(userID, func(state *State) {
		if state.Usage == nil {
			state.Usage = usagedomain.Counters{}
		}
		state.Usage[feature] = counter
	})
}

func (s *FileStore) update(userID string, mutate func(*State)) error {
	if strings.TrimSpace(userID) == "" {
		return subscriptiondomain.ErrInvalidUserID
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.read(userID)
	if errors.Is(err, ErrCorruptState) {
		state = State{}
	} else if err != nil {
		return err
	}

	mutate(&state)
	state.Version = stateVersion
	state.UserID = userID
	state.UpdatedAt = s.clock.Now().UTC()

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	return writeOwnerOnlyFileAtomic(s.path(userID), data)
}

func (s *FileStore) read(userID string) (State, error) {
	path := s.path(userID)
	info, err := os.Lstat(path)
	if err != nil {
		if isMissing(err) {
			return State{}, nil
		}
		return State{}, err
	}
	if err := validateRegularFile(path, info); err != nil {
		return State{}, err
	}
	if info.Size() > maxStateSize {
		return State{}, fmt.Errorf("%w: %q exceeds %d bytes", ErrCorruptState, path, maxStateSize)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return State{}, err
	}
	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return State{}, fmt.Errorf("%w: %v", ErrCorruptState, err)
	}
	if state.UserID != "" && state.UserID != userID {
		return State{}, fmt.Errorf("%w: blob belongs to another user", ErrCorruptState)
	}
	return state, nil
}

// path derives a filesystem-safe name from the user identifier.
func (s *FileStore) path(userID string) string {
	name := base64.RawURLEncoding.EncodeToString([]byte(userID))
	return filepath.Join(s.dir, name+".json")
}

func isMissing(err error) bool {
	return errors.Is(err, os.ErrNotExist) || errors.Is(err, syscall.ENOTDIR)
}

func validateRegularFile(path string, info os.FileInfo) error {
	if info.Mode()&os.ModeSymlink != 0 {
		return fmt.Errorf("%w: refusing symlink path %q", ErrUnsafePath, path)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("%w: non-regular path %q", ErrUnsafePath, path)
	}
	return nil
}

func writeOwnerOnlyFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, privateDirPerm); err != nil {
		return err
	}

	if info, err := os.Lstat(path); err == nil {
		if err := validateRegularFile(path, info); err != nil {
			return err
		}
	} else if !isMissing(err) {
		return err
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			_ = os.Remove(tmpPath)
		}
	}()

	if err := tmp.Chmod(privateFilePerm); err != nil {
		_ = tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return err
	}
	cleanup = false
	return nil
}

var (
	_ subscriptiondomain.LocalStore = (*FileStore)(nil)
	_ usagedomain.LocalCounters     = (*FileStore)(nil)
)
