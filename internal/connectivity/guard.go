package connectivity

import (
	"context"
	"errors"
	"net"

	"github.com/MarcoPoloResearchLab/shiftsync/internal/syncer"
	"go.uber.org/zap"
)

// Notice is a user-facing connectivity message.
type Notice string

const (
	// NoticeNoConnection is raised when an online-only action is attempted offline.
	NoticeNoConnection Notice = "no_connection"
	// NoticeConnectionError is raised when an online-only action fails on the network.
	NoticeConnectionError Notice = "connection_error"
)

// Notifier surfaces connectivity notices.
type Notifier interface {
	Notify(notice Notice, err error)
}

// LogNotifier writes notices to a zap logger.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier constructs a LogNotifier.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogNotifier{logger: logger}
}

// Notify logs the notice.
func (n *LogNotifier) Notify(notice Notice, err error) {
	fields := []zap.Field{zap.String("notice", string(notice))}
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	n.logger.Warn("connectivity notice", fields...)
}

// Guard checks reachability once and runs action only when the remote answers. The
// boolean reports whether the action ran. Network failures of the action are announced
// before the error is returned.
func Guard[T any](ctx context.Context, monitor *Monitor, action func(context.Context) (T, error)) (T, bool, error) {
	var zero T
	if !monitor.Refresh(ctx) {
		monitor.notifier.Notify(NoticeNoConnection, nil)
		return zero, false, nil
	}
	result, err := action(ctx)
	if err != nil {
		if isNetworkError(err) {
			monitor.notifier.Notify(NoticeConnectionError, err)
		}
		return zero, true, err
	}
	return result, true, nil
}

func isNetworkError(err error) bool {
	if errors.Is(err, syncer.ErrTransient) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
