package compasscal

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"time"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/navekf/internal/dal"
	"github.com/banshee-data/navekf/internal/fsutil"
)

// Saved is the on-disk form of a calibration. Params keep the fit in
// milligauss so a saved file can be compared with the calibrator's report.
type Saved struct {
	Saved       time.Time `json:"saved"`
	Fitness     float64   `json:"fitness"`
	Orientation int       `json:"orientation"`
	Radius      float64   `json:"radius"`
	Offset      r3.Vec    `json:"offset"`
	Diag        r3.Vec    `json:"diag"`
	OffDiag     r3.Vec    `json:"offdiag"`
	ScaleFactor float64   `json:"scale_factor"`
}

// Params returns the fitted model.
func (s Saved) Params() Params {
	return Params{Radius: s.Radius, Offset: s.Offset, Diag: s.Diag, OffDiag: s.OffDiag, ScaleFactor: s.ScaleFactor}
}

// Store saves and loads a single calibration file.
type Store struct {
	FS   fsutil.FileSystem
	Path string
}

// NewStore uses the real filesystem.
func NewStore(path string) *Store {
	return &Store{FS: fsutil.OSFileSystem{}, Path: path}
}

// Save writes r through a temporary file so a crash never leaves a
// truncated calibration behind. It is meant to be set as the calibrator's
// OnSave hook.
func (st *Store) Save(r Report, now time.Time) error {
	if r.Status != Success {
		return fmt.Errorf("compasscal: refusing to save a %s calibration", r.Status)
	}
	p := r.Params
	data, err := json.MarshalIndent(Saved{
		Saved:       now.UTC(),
		Fitness:     r.Fitness,
		Orientation: r.Orientation,
		Radius:      p.Radius,
		Offset:      p.Offset,
		Diag:        p.Diag,
		OffDiag:     p.OffDiag,
		ScaleFactor: p.ScaleFactor,
	}, "", "  ")
	if err != nil {
		return err
	}
	if err := st.FS.MkdirAll(filepath.Dir(st.Path), 0o755); err != nil {
		return fmt.Errorf("compasscal: %w", err)
	}
	tmp := st.Path + ".tmp"
	if err := st.FS.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("compasscal: %w", err)
	}
	if err := st.FS.Rename(tmp, st.Path); err != nil {
		_ = st.FS.Remove(tmp)
		return fmt.Errorf("compasscal: %w", err)
	}
	return nil
}

// Load reads the saved calibration. A missing file yields the identity
// calibration and ok false.
func (st *Store) Load() (cal dal.CompassCal, saved Saved, ok bool, err error) {
	data, err := st.FS.ReadFile(st.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return dal.IdentityCal(), Saved{}, false, nil
	}
	if err != nil {
		return dal.IdentityCal(), Saved{}, false, fmt.Errorf("compasscal: %w", err)
	}
	if err := json.Unmarshal(data, &saved); err != nil {
		return dal.IdentityCal(), Saved{}, false, fmt.Errorf("compasscal: decode %s: %w", st.Path, err)
	}
	if saved.Diag == (r3.Vec{}) {
		return dal.IdentityCal(), saved, false, fmt.Errorf("compasscal: %s has no soft iron diagonal", st.Path)
	}
	return CalFromParams(saved.Params()), saved, true, nil
}
