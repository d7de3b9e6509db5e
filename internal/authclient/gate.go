package authclient

import (
	"slices"

	"github.com/hitoshi/bacheca/internal/model"
)

// Decision はルートガードの判定結果。
type Decision int

const (
	// Wait は認証状態の確定待ち。ロールで保護された内容を描画してはならない。
	Wait Decision = iota
	// RedirectToEntry は未認証のためログイン入口へ遷移する。
	RedirectToEntry
	// RedirectToRoleSelection はロール未選択のためロール選択へ遷移する。
	RedirectToRoleSelection
	// Deny はロールが要件を満たさない。
	Deny
	// Allow は表示してよい。
	Allow
)

func (d Decision) String() string {
	switch d {
	case Wait:
		return "wait"
	case RedirectToEntry:
		return "redirect_to_entry"
	case RedirectToRoleSelection:
		return "redirect_to_role_selection"
	case Deny:
		return "deny"
	case Allow:
		return "allow"
	default:
		return "unknown"
	}
}

// Gate はSnapshotとルートの要求ロールから表示可否を判定する。
// requiredが空の場合は認証済みであればロール未選択でも許可する。
func Gate(s Snapshot, required ...model.Role) Decision {
	switch s.Status {
	case StatusChecking:
		return Wait
	case StatusAnonymous:
		return RedirectToEntry
	}

	p, ok := s.Principal.Get()
	if !ok {
		return RedirectToEntry
	}
	if len(required) == 0 {
		return Allow
	}
	if p.RolePending() {
		return RedirectToRoleSelection
	}
	if slices.Contains(required, p.Role) {
		return Allow
	}
	return Deny
}
