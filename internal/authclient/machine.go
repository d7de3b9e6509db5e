package authclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hitoshi/bacheca/internal/model"
)

// Status はクライアント側の認証状態。
type Status string

const (
	StatusChecking      Status = "checking"
	StatusAuthenticated Status = "authenticated"
	StatusAnonymous     Status = "anonymous"
)

// ErrInvalidTransition は現在の状態で受け付けられないイベントを送った場合のエラー。
var ErrInvalidTransition = errors.New("invalid auth state transition")

// Backend はMachineが利用する認証APIのインターフェース。APIClientが実装する。
type Backend interface {
	WhoAmI(ctx context.Context) (model.MaybePrincipal, error)
	SetRole(ctx context.Context, role model.Role) (model.PrincipalView, error)
	Logout(ctx context.Context) error
}

var _ Backend = (*APIClient)(nil)

// Snapshot はある時点の認証状態。
type Snapshot struct {
	Status    Status
	Principal model.MaybePrincipal
	// LastError は直近の失敗理由（プロバイダーのエラーコードやAPIエラーコード）。
	LastError string
}

// RolePending は認証済みでロール未選択の場合にtrueを返す。
func (s Snapshot) RolePending() bool {
	p, ok := s.Principal.Get()
	return s.Status == StatusAuthenticated && ok && p.RolePending()
}

// RoleKnown は認証済みでロールが確定している場合にtrueを返す。
func (s Snapshot) RoleKnown() bool {
	p, ok := s.Principal.Get()
	return s.Status == StatusAuthenticated && ok && !p.RolePending()
}

// Event はMachine.Sendに渡すイベント。
type Event interface {
	eventName() string
}

// Mount は画面の初期表示。
type Mount struct{}

// ProviderReturned はOAuth完了ルートへの到達。Errorはコールバックのerrorクエリ。
type ProviderReturned struct {
	Error string
}

// LogoutRequested はログアウト操作。
type LogoutRequested struct{}

// RoleSelected はロール選択画面での選択。
type RoleSelected struct {
	Role model.Role
}

// Refresh は主体情報の再取得。
type Refresh struct{}

func (Mount) eventName() string            { return "mount" }
func (ProviderReturned) eventName() string { return "provider_returned" }
func (LogoutRequested) eventName() string  { return "logout_requested" }
func (RoleSelected) eventName() string     { return "role_selected" }
func (Refresh) eventName() string          { return "refresh" }

// Machine はクライアント側の認証状態を管理するステートマシン。
// 状態の変更はSendのみで行い、遷移ごとに購読者へSnapshotを通知する。
//
// 解決中のWhoAmIより後に別の遷移が起きた場合、その結果は世代番号の比較で破棄する。
type Machine struct {
	backend Backend
	logger  *slog.Logger

	mu         sync.Mutex
	state      Snapshot
	generation uint64

	// notifyMu は購読者への通知順序を遷移順に揃える。
	notifyMu    sync.Mutex
	subscribers map[int]func(Snapshot)
	nextSubID   int
}

// NewMachine はchecking状態のMachineを生成する。
func NewMachine(backend Backend, logger *slog.Logger) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{
		backend:     backend,
		logger:      logger,
		state:       Snapshot{Status: StatusChecking, Principal: model.NoPrincipal()},
		subscribers: make(map[int]func(Snapshot)),
	}
}

// Snapshot は現在の状態を返す。
func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Subscribe は遷移ごとに呼ばれる関数を登録し、登録解除用の関数を返す。
// fnの中からSendを同期的に呼んではならない。
func (m *Machine) Subscribe(fn func(Snapshot)) (unsubscribe func()) {
	m.notifyMu.Lock()
	id := m.nextSubID
	m.nextSubID++
	m.subscribers[id] = fn
	m.notifyMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.notifyMu.Lock()
			delete(m.subscribers, id)
			m.notifyMu.Unlock()
		})
	}
}

// Send はイベントを処理する。WhoAmIやSetRoleなどのAPI呼び出しを伴う場合は完了まで待つ。
func (m *Machine) Send(ctx context.Context, ev Event) error {
	switch e := ev.(type) {
	case Mount, Refresh:
		return m.resolve(ctx, "")
	case ProviderReturned:
		if e.Error != "" {
			m.transition(func(s *Snapshot) {
				*s = Snapshot{Status: StatusAnonymous, Principal: model.NoPrincipal(), LastError: e.Error}
			})
			return nil
		}
		return m.resolve(ctx, "")
	case LogoutRequested:
		return m.logout(ctx)
	case RoleSelected:
		return m.selectRole(ctx, e.Role)
	default:
		return fmt.Errorf("%w: unknown event %T", ErrInvalidTransition, ev)
	}
}

// resolve はcheckingへ遷移してWhoAmIで状態を確定する。
// cause が空でなければ確定後のLastErrorとして残す。
func (m *Machine) resolve(ctx context.Context, cause string) error {
	gen := m.transition(func(s *Snapshot) {
		s.Status = StatusChecking
		s.LastError = ""
	})

	resolved, err := m.backend.WhoAmI(ctx)

	m.applyIfCurrent(gen, func(s *Snapshot) {
		if err != nil {
			*s = Snapshot{Status: StatusAnonymous, Principal: model.NoPrincipal(), LastError: errorCode(err)}
			return
		}
		if !resolved.Present() {
			*s = Snapshot{Status: StatusAnonymous, Principal: model.NoPrincipal(), LastError: cause}
			return
		}
		*s = Snapshot{Status: StatusAuthenticated, Principal: resolved, LastError: cause}
	})
	if err != nil {
		m.logger.Warn("failed to resolve principal", slog.String("error", err.Error()))
	}
	return nil
}

// logout はサーバーの結果を待たずにanonymousへ遷移する。
func (m *Machine) logout(ctx context.Context) error {
	m.transition(func(s *Snapshot) {
		*s = Snapshot{Status: StatusAnonymous, Principal: model.NoPrincipal()}
	})

	if err := m.backend.Logout(ctx); err != nil {
		m.logger.Warn("logout request failed", slog.String("error", err.Error()))
		return err
	}
	return nil
}

// selectRole はrole-pendingの主体にロールを設定する。成功時はレスポンスの主体でrole-knownへ遷移する。
// セッション失効時はanonymousへ、ロール設定済みの競合時はWhoAmIで保存済みロールを取り直す。
func (m *Machine) selectRole(ctx context.Context, role model.Role) error {
	m.mu.Lock()
	pending := m.state.RolePending()
	gen := m.generation
	m.mu.Unlock()

	if !pending {
		return fmt.Errorf("%w: role selection requires role-pending", ErrInvalidTransition)
	}

	view, err := m.backend.SetRole(ctx, role)
	switch {
	case model.HasCode(err, model.ErrCodeAuthenticationRequired):
		m.applyIfCurrent(gen, func(s *Snapshot) {
			*s = Snapshot{Status: StatusAnonymous, Principal: model.NoPrincipal(), LastError: errorCode(err)}
		})
		return err
	case model.HasCode(err, model.ErrCodeRoleAlreadySet):
		m.mu.Lock()
		current := m.generation == gen
		m.mu.Unlock()
		if current {
			if rerr := m.resolve(ctx, errorCode(err)); rerr != nil {
				return errors.Join(err, rerr)
			}
		}
		return err
	case err != nil:
		m.applyIfCurrent(gen, func(s *Snapshot) {
			s.LastError = errorCode(err)
		})
		return err
	}

	m.applyIfCurrent(gen, func(s *Snapshot) {
		*s = Snapshot{Status: StatusAuthenticated, Principal: model.SomePrincipal(view)}
	})
	return nil
}

// transition は世代を進めて状態を更新し、新しい世代を返す。
func (m *Machine) transition(update func(*Snapshot)) uint64 {
	m.mu.Lock()
	m.generation++
	gen := m.generation
	update(&m.state)
	snap := m.state
	m.notifyMu.Lock()
	m.mu.Unlock()

	m.notifyLocked(snap)
	return gen
}

// applyIfCurrent は世代が変わっていない場合のみ状態を更新する。
func (m *Machine) applyIfCurrent(gen uint64, update func(*Snapshot)) bool {
	m.mu.Lock()
	if m.generation != gen {
		m.mu.Unlock()
		m.logger.Debug("discarding stale auth resolution", slog.Uint64("generation", gen))
		return false
	}
	m.generation++
	update(&m.state)
	snap := m.state
	m.notifyMu.Lock()
	m.mu.Unlock()

	m.notifyLocked(snap)
	return true
}

// notifyLocked はnotifyMuを保持した状態で呼び出し、通知後に解放する。
func (m *Machine) notifyLocked(snap Snapshot) {
	defer m.notifyMu.Unlock()
	for _, fn := range m.subscribers {
		fn(snap)
	}
}

// errorCode はAPIErrorであればそのコードを、それ以外は汎用コードを返す。
func errorCode(err error) string {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return "network_error"
}
