package store

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// Store is the persistence interface for quantrun.
type Store interface {
	// Strategies
	SaveStrategy(s *StrategyRecord) error
	GetStrategy(id int64) (*StrategyRecord, error)
	ListStrategies(userID int64) ([]StrategyRecord, error)

	// Broker credentials
	SaveCredentials(c *CredentialsRecord) error
	GetCredentials(userID int64) (*CredentialsRecord, error)

	// Run history
	RecordRunStart(r *RunRecord) error
	RecordRunExit(taskID string, exitCode int, message string, exitedAt time.Time) error
	ListRuns(f RunFilter) ([]RunRecord, error)

	// Maintenance
	MarkInterrupted() (int64, error)
	Cleanup(retention time.Duration) error
	Close() error
}

// StrategyRecord is a stored scalping strategy configuration.
type StrategyRecord struct {
	ID                int64
	UserID            int64
	Exch              string
	StockName         string
	PriceType         string
	InitialBuyPrice   float64
	BuyOnMarket       bool
	TargetPriceDiff   float64
	EntryDiffPrice    float64
	LotSize           int
	MaxOpenPosition   int
	Duration          int
	StopLoss          float64
	MarketClosingTime string
	DebugOn           bool
	CreatedAt         time.Time
}

// CredentialsRecord holds a user's broker API credentials.
type CredentialsRecord struct {
	UserID    int64
	Token     string
	UserCode  string
	Password  string
	VC        string
	AppKey    string
	IMEI      string
	UpdatedAt time.Time
}

// Run states.
const (
	RunRunning = "running"
	RunExited  = "exited"
	RunFailed  = "failed"
)

// RunRecord is the metadata of one script execution. Output lines are
// never stored.
type RunRecord struct {
	TaskID    string
	Key       string
	Command   string
	PID       int
	State     string
	ExitCode  int
	Message   string
	StartedAt time.Time
	ExitedAt  time.Time
}

// Duration returns the elapsed run time, or 0 while running.
func (r RunRecord) Duration() time.Duration {
	if r.ExitedAt.IsZero() || r.StartedAt.IsZero() {
		return 0
	}
	return r.ExitedAt.Sub(r.StartedAt)
}

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Key   string
	State string
	Limit int
	Since time.Time
}
