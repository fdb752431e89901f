package migration

import (
	"github.com/aptpod/qpath-go/errors"
	"github.com/aptpod/qpath-go/netpath"
)

// selector は、アクティブパスを選択します。
//
// アクティブパスは常に1つであり、検証済みのパスのみが昇格できます。
// 暗黙の降格は行いません。
type selector struct {
	table    *netpath.Table
	previous netpath.Identity
	hasPrev  bool

	switchCount uint64
}

// SelectorStats は、アクティブパス切り替えの統計情報です。
type SelectorStats struct {
	SwitchCount uint64
	Active      netpath.Identity
}

func newSelector(table *netpath.Table) *selector {
	return &selector{table: table}
}

// promote は、p をアクティブパスにします。既にアクティブな場合 changed は false です。
func (s *selector) promote(p *netpath.Path) (prev *netpath.Path, changed bool, err error) {
	if p.IsActive() {
		return nil, false, nil
	}
	if !p.IsValidated() {
		return nil, false, errors.Errorf("cannot promote %s path %s: %w", p.State(), p.Identity(), errors.ErrQPath)
	}
	prev, err = s.table.SetActive(p.Identity())
	if err != nil {
		return nil, false, err
	}
	if prev != nil {
		s.previous = prev.Identity()
		s.hasPrev = true
	}
	s.switchCount++
	return prev, true, nil
}

// fallback は、アクティブパスが使用できなくなった場合の昇格先を返します。
//
// 直前のアクティブパスが検証済みであればそれを、なければ最後にアクティビティのあった検証済みパスを返します。
func (s *selector) fallback() *netpath.Path {
	if s.hasPrev {
		if p, ok := s.table.Lookup(s.previous); ok && p.IsValidated() && !p.IsActive() {
			return p
		}
	}
	var res *netpath.Path
	for _, p := range s.table.Paths() {
		if p.IsActive() || !p.IsValidated() {
			continue
		}
		if res == nil || !p.LastActivity().Before(res.LastActivity()) {
			res = p
		}
	}
	return res
}

func (s *selector) stats() SelectorStats {
	var active netpath.Identity
	if p := s.table.Active(); p != nil {
		active = p.Identity()
	}
	return SelectorStats{SwitchCount: s.switchCount, Active: active}
}
