package comtrade

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/jonboulle/clockwork"

	"tradeingest/internal/model"
)

const dayLayout = "2006-01-02"

// QuotaState tracks per-credential call budgets for the current UTC day. All fetch paths
// share one instance; every mutation happens under its mutex.
type QuotaState struct {
	mu        sync.Mutex
	clock     clockwork.Clock
	limit     int
	path      string
	day       string
	used      map[model.Credential]int
	pending   map[model.Credential]int
	exhausted map[model.Credential]bool
}

type quotaFile struct {
	Day       string                    `json:"day"`
	Used      map[model.Credential]int  `json:"used"`
	Exhausted map[model.Credential]bool `json:"exhausted,omitempty"`
}

// NewQuotaState creates a state with limit calls per credential per day. When path is set,
// counters from a previous run on the same UTC day are loaded and every commit is saved back.
func NewQuotaState(limit int, clock clockwork.Clock, path string) (*QuotaState, error) {
	if limit <= 0 {
		return nil, errors.New("comtrade: daily limit must be positive")
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	q := &QuotaState{
		clock: clock,
		limit: limit,
		path:  path,
	}
	q.reset(clock.Now().UTC().Format(dayLayout))
	if path != "" {
		if err := q.load(); err != nil {
			return nil, err
		}
	}
	return q, nil
}

func (q *QuotaState) Limit() int {
	return q.limit
}

// Reserve picks the first credential in order with budget left and holds one call for it.
func (q *QuotaState) Reserve(order []model.Credential) (model.Credential, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.rollLocked()
	for _, cred := range order {
		if q.availableLocked(cred) > 0 {
			q.pending[cred]++
			return cred, nil
		}
	}
	return "", ErrQuotaExhausted
}

// Commit turns a reservation into a used call.
func (q *QuotaState) Commit(cred model.Credential) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.rollLocked()
	if q.pending[cred] > 0 {
		q.pending[cred]--
	}
	q.used[cred]++
	return q.saveLocked()
}

// Release returns a reservation whose call did not succeed.
func (q *QuotaState) Release(cred model.Credential) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.pending[cred] > 0 {
		q.pending[cred]--
	}
}

// MarkExhausted blocks cred until the next UTC day, e.g. after the provider reports its quota spent.
func (q *QuotaState) MarkExhausted(cred model.Credential) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.rollLocked()
	q.exhausted[cred] = true
	return q.saveLocked()
}

// SetUsed overrides the counter for cred, used to seed state from an external source.
func (q *QuotaState) SetUsed(cred model.Credential, used int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.rollLocked()
	q.used[cred] = used
	return q.saveLocked()
}

func (q *QuotaState) Used(cred model.Credential) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.rollLocked()
	return q.used[cred]
}

// Remaining sums the unreserved budget across the given credentials.
func (q *QuotaState) Remaining(creds []model.Credential) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.rollLocked()
	total := 0
	for _, cred := range creds {
		total += q.availableLocked(cred)
	}
	return total
}

func (q *QuotaState) availableLocked(cred model.Credential) int {
	if q.exhausted[cred] {
		return 0
	}
	left := q.limit - q.used[cred] - q.pending[cred]
	if left < 0 {
		return 0
	}
	return left
}

func (q *QuotaState) rollLocked() {
	today := q.clock.Now().UTC().Format(dayLayout)
	if today != q.day {
		q.reset(today)
	}
}

func (q *QuotaState) reset(day string) {
	q.day = day
	q.used = make(map[model.Credential]int)
	q.pending = make(map[model.Credential]int)
	q.exhausted = make(map[model.Credential]bool)
}

func (q *QuotaState) load() error {
	data, err := os.ReadFile(q.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("comtrade: read quota state: %w", err)
	}
	var file quotaFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("comtrade: decode quota state %s: %w", q.path, err)
	}
	if file.Day != q.day {
		return nil
	}
	for cred, used := range file.Used {
		q.used[cred] = used
	}
	for cred, exhausted := range file.Exhausted {
		q.exhausted[cred] = exhausted
	}
	return nil
}

func (q *QuotaState) saveLocked() error {
	if q.path == "" {
		return nil
	}
	data, err := json.Marshal(quotaFile{Day: q.day, Used: q.used, Exhausted: q.exhausted})
	if err != nil {
		return err
	}
	dir := filepath.Dir(q.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("comtrade: create quota state dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".quota-*")
	if err != nil {
		return fmt.Errorf("comtrade: write quota state: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("comtrade: write quota state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("comtrade: write quota state: %w", err)
	}
	if err := os.Rename(tmp.Name(), q.path); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("comtrade: publish quota state: %w", err)
	}
	return nil
}
