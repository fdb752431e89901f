package netpath

import (
	"context"
	"slices"
	"time"

	"github.com/aptpod/qpath-go/errors"
)

// DefaultMaxTrackedPaths は、1コネクションあたりに同時に追跡するパス数の上限です。
const DefaultMaxTrackedPaths = 4

// Table は、コネクションが追跡するパスのテーブルです。
//
// ゴルーチンセーフではありません。コネクションの処理コンテキストからのみ操作してください。
type Table struct {
	ctx                 context.Context
	maxPaths            int
	amplificationFactor uint64

	paths  map[Identity]*Path
	active *Path
	seq    uint64
}

// NewTable は、上限 maxPaths の Table を返します。0以下の値はデフォルト値になります。
func NewTable(ctx context.Context, maxPaths int, amplificationFactor uint64) *Table {
	if maxPaths <= 0 {
		maxPaths = DefaultMaxTrackedPaths
	}
	if amplificationFactor == 0 {
		amplificationFactor = DefaultAmplificationFactor
	}
	return &Table{
		ctx:                 ctx,
		maxPaths:            maxPaths,
		amplificationFactor: amplificationFactor,
		paths:               make(map[Identity]*Path, maxPaths),
	}
}

// Lookup は、id のパスを返します。
func (t *Table) Lookup(id Identity) (*Path, bool) {
	p, ok := t.paths[id]
	return p, ok
}

// Len は、追跡中のパス数を返します。
func (t *Table) Len() int {
	return len(t.paths)
}

// Cap は、追跡できるパス数の上限を返します。
func (t *Table) Cap() int {
	return t.maxPaths
}

// Active は、アクティブパスを返します。まだ存在しない場合は nil です。
func (t *Table) Active() *Path {
	return t.active
}

// Paths は、追跡中のパスを登録順に返します。
func (t *Table) Paths() []*Path {
	res := make([]*Path, 0, len(t.paths))
	for _, p := range t.paths {
		res = append(res, p)
	}
	slices.SortFunc(res, func(a, b *Path) int {
		return compareUint64(a.seq, b.seq)
	})
	return res
}

// CanInsert は、新しいパスを登録できるかどうかを返します。テーブルは変更しません。
func (t *Table) CanInsert(evict bool) bool {
	if len(t.paths) < t.maxPaths {
		return true
	}
	return evict && t.evictionCandidate() != nil
}

// Insert は、新しいパスを登録します。
//
// テーブルが上限に達している場合、evict が true であれば退避候補を削除して登録します。
// 退避候補は Abandoned のパス、検証を開始していない PendingValidation のパス、
// 最終アクティビティが最も古い非アクティブな Validated のパスの順に選びます。
// 退避候補がない場合は errors.ErrPathTableFull を返します。
func (t *Table) Insert(id Identity, state State, now time.Time, evict bool) (p *Path, evicted *Path, err error) {
	if existing, ok := t.paths[id]; ok {
		return existing, nil, nil
	}
	if len(t.paths) >= t.maxPaths {
		if !evict {
			return nil, nil, errors.Errorf("%d paths tracked: %w", len(t.paths), errors.ErrPathTableFull)
		}
		evicted = t.evictionCandidate()
		if evicted == nil {
			return nil, nil, errors.Errorf("%d paths tracked and no eviction candidate: %w", len(t.paths), errors.ErrPathTableFull)
		}
		evicted.Abandon()
		delete(t.paths, evicted.id)
	}
	t.seq++
	p = newPath(t.ctx, id, t.seq, state, t.amplificationFactor, now)
	t.paths[id] = p
	return p, evicted, nil
}

func (t *Table) evictionCandidate() *Path {
	var abandoned, pending, validated *Path
	for _, p := range t.paths {
		switch {
		case p.active:
			continue
		case p.state == StateAbandoned:
			if abandoned == nil || olderThan(p, abandoned) {
				abandoned = p
			}
		case p.state == StatePendingValidation:
			if pending == nil || olderThan(p, pending) {
				pending = p
			}
		case p.state == StateValidated:
			if validated == nil || olderThan(p, validated) {
				validated = p
			}
		}
	}
	switch {
	case abandoned != nil:
		return abandoned
	case pending != nil:
		return pending
	default:
		return validated
	}
}

func olderThan(a, b *Path) bool {
	if a.lastActivity.Equal(b.lastActivity) {
		return a.seq < b.seq
	}
	return a.lastActivity.Before(b.lastActivity)
}

// Remove は、id のパスを削除します。アクティブパスは削除できません。
func (t *Table) Remove(id Identity) bool {
	p, ok := t.paths[id]
	if !ok || p.active {
		return false
	}
	p.Abandon()
	delete(t.paths, id)
	return true
}

// InitActive は、アクティブパスが存在しない場合に限り、id のパスを検証状態に関係なくアクティブにします。
//
// コネクション開始時の最初のパスに使用します。
func (t *Table) InitActive(id Identity) error {
	if t.active != nil {
		return errors.Errorf("active path already set to %s: %w", t.active.id, errors.ErrQPath)
	}
	p, ok := t.paths[id]
	if !ok {
		return errors.Errorf("%s: %w", id, errors.ErrUnknownPath)
	}
	p.active = true
	t.active = p
	return nil
}

// SetActive は、検証済みのパスをアクティブパスにし、直前のアクティブパスを返します。
//
// 直前のアクティブパスのフラグ解除と新しいパスのフラグ設定は同時に行われます。
func (t *Table) SetActive(id Identity) (prev *Path, err error) {
	p, ok := t.paths[id]
	if !ok {
		return nil, errors.Errorf("%s: %w", id, errors.ErrUnknownPath)
	}
	if p.state != StateValidated {
		return nil, errors.Errorf("path %s is %s: %w", id, p.state, errors.ErrQPath)
	}
	prev = t.active
	if prev == p {
		return prev, nil
	}
	if prev != nil {
		prev.active = false
	}
	p.active = true
	t.active = p
	return prev, nil
}

// AbandonAll は、全てのパスを放棄し、状態が変化したパスを返します。
func (t *Table) AbandonAll() []*Path {
	var res []*Path
	for _, p := range t.Paths() {
		if p.Abandon() {
			res = append(res, p)
		}
	}
	return res
}

func compareUint64(a, b uint64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
