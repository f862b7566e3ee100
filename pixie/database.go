package pixie

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lmittmann/tint"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

const (
	dbTypeSQLite   = "sqlite"
	dbTypePostgres = "postgres"

	postgresNotifyChannelGuildSettings = "pixie_reload_guild_settings"
	postgresNotifyChannelStop          = "pixie_stop"
)

var (
	sqliteExecPragma = []string{
		"pragma journal_mode=WAL;",
		"pragma synchronous = normal;",
		"pragma temp_store = memory;",
		"pragma foreign_keys = ON;",
	}

	// dbConnectTimeout bounds the connectivity check raced against the
	// actual connection attempt
	dbConnectTimeout = 5 * time.Second

	// dbTransactionTimeout bounds multi-table transactions
	dbTransactionTimeout = 5 * time.Second

	dbOperationTimeout    = 30 * time.Second
	dbNotifierSendTimeout = 15 * time.Second
)

// ConnState is the connection manager's lifecycle state.
type ConnState int

const (
	ConnStateDisconnected ConnState = iota
	ConnStateConnecting
	ConnStateConnected
)

func (s ConnState) String() string {
	switch s {
	case ConnStateConnecting:
		return "connecting"
	case ConnStateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

var (
	ErrAlreadyConnecting = errors.New("database connection already in progress")
	ErrNotConnected      = errors.New("database not connected")
)

// database wraps the GORM connection with an explicit
// connect/disconnect lifecycle and an in-memory user cache.
//
// The connecting flag guards against duplicate in-flight connection
// attempts: a second caller observes it and returns immediately rather
// than racing the first.
type database struct {
	db     *gorm.DB
	logger *slog.Logger

	state      ConnState
	connecting bool
	stateMu    sync.Mutex

	userCache map[string]*User
	cacheMu   sync.Mutex
}

// NewDatabase wraps an open GORM connection in the DBI interface.
// The connection is considered connected once Connect has verified it.
func NewDatabase(db *gorm.DB, log *slog.Logger) DBI {
	if log == nil {
		log = slog.Default()
	}
	return &database{
		db:        db,
		logger:    log.With(loggerNameKey, "database"),
		userCache: map[string]*User{},
	}
}

// Connect verifies database connectivity with a fixed timeout racing
// the ping. Returns ErrAlreadyConnecting if another connect attempt is
// in flight; returns nil immediately if already connected.
func (d *database) Connect(ctx context.Context) error {
	d.stateMu.Lock()
	if d.connecting {
		d.stateMu.Unlock()
		d.logger.Warn("database connection already in progress")
		return ErrAlreadyConnecting
	}
	if d.state == ConnStateConnected {
		d.stateMu.Unlock()
		d.logger.Warn("database already connected")
		return nil
	}
	d.connecting = true
	d.state = ConnStateConnecting
	d.stateMu.Unlock()

	defer func() {
		d.stateMu.Lock()
		d.connecting = false
		d.stateMu.Unlock()
	}()

	pingCtx, cancel := context.WithTimeout(ctx, dbConnectTimeout)
	defer cancel()

	sqlDB, err := d.db.DB()
	if err == nil {
		err = sqlDB.PingContext(pingCtx)
	}

	d.stateMu.Lock()
	defer d.stateMu.Unlock()
	if err != nil {
		d.state = ConnStateDisconnected
		d.logger.Error("failed to connect to the database", tint.Err(err))
		return fmt.Errorf("database connection failed: %w", err)
	}
	d.state = ConnStateConnected
	d.logger.Info("database connection is active")
	return nil
}

// Disconnect closes the underlying connection. Disconnecting an
// already-disconnected handle is a no-op.
func (d *database) Disconnect() error {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()
	if d.state != ConnStateConnected {
		d.logger.Warn("database already disconnected")
		return nil
	}
	sqlDB, err := d.db.DB()
	if err == nil {
		err = sqlDB.Close()
	}
	if err != nil {
		d.logger.Error("failed to disconnect from the database", tint.Err(err))
		return err
	}
	d.state = ConnStateDisconnected
	d.logger.Info("database connection has been closed")
	return nil
}

func (d *database) Status() ConnState {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()
	return d.state
}

func (d *database) DB() *gorm.DB {
	return d.db
}

// GetOrCreateUser retrieves a user from the cache or the database,
// creating a new row if one does not exist. The cached record is
// refreshed when the Discord profile has changed.
func (d *database) GetOrCreateUser(
	ctx context.Context,
	discordID string,
	profile UserProfile,
) (*User, bool, error) {
	d.cacheMu.Lock()
	defer d.cacheMu.Unlock()

	log, ok := ContextLogger(ctx)
	if log == nil || !ok {
		log = d.logger
	}

	if user, cached := d.userCache[discordID]; cached {
		if user.Username != profile.Username ||
			user.Discriminator != profile.Discriminator ||
			user.Avatar != profile.Avatar {
			user.Username = profile.Username
			user.Discriminator = profile.Discriminator
			user.Avatar = profile.Avatar
			if _, err := d.Updates(
				ctx, user, map[string]any{
					"username":      profile.Username,
					"discriminator": profile.Discriminator,
					"avatar":        profile.Avatar,
				},
			); err != nil {
				log.ErrorContext(ctx, "error updating user", "user", user, tint.Err(err))
			}
		}
		return user, false, nil
	}

	var user User
	err := d.db.WithContext(ctx).Where("discord_id = ?", discordID).First(&user).Error
	switch {
	case err == nil:
		d.userCache[discordID] = &user
		return &user, false, nil
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return nil, false, fmt.Errorf("error loading user: %w", err)
	}

	user = User{
		DiscordID:     discordID,
		Username:      profile.Username,
		Discriminator: profile.Discriminator,
		Avatar:        profile.Avatar,
	}
	log.InfoContext(ctx, "creating new user", "user", &user)
	if _, err = d.Create(ctx, &user); err != nil {
		log.ErrorContext(ctx, "error creating user", "user", &user, tint.Err(err))
		return nil, true, err
	}
	d.userCache[discordID] = &user
	return &user, true, nil
}

// ReloadUser refreshes a cached user from the database, dropping the
// cache entry if the row no longer exists.
func (d *database) ReloadUser(discordID string) *User {
	d.cacheMu.Lock()
	defer d.cacheMu.Unlock()
	var user User
	if err := d.db.Where("discord_id = ?", discordID).Last(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			delete(d.userCache, discordID)
		}
		return nil
	}
	d.userCache[discordID] = &user
	return &user
}

func (d *database) withTimeout(ctx context.Context, timeout time.Duration) (
	context.Context,
	context.CancelFunc,
) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, timeout)
}

func (d *database) Create(ctx context.Context, value any) (int64, error) {
	ctx, cancel := d.withTimeout(ctx, dbOperationTimeout)
	defer cancel()
	rv := d.db.WithContext(ctx).Create(value)
	return rv.RowsAffected, rv.Error
}

func (d *database) Save(ctx context.Context, value any) (int64, error) {
	ctx, cancel := d.withTimeout(ctx, dbOperationTimeout)
	defer cancel()
	rv := d.db.WithContext(ctx).Save(value)
	return rv.RowsAffected, rv.Error
}

func (d *database) Updates(ctx context.Context, model, values any) (int64, error) {
	ctx, cancel := d.withTimeout(ctx, dbOperationTimeout)
	defer cancel()
	rv := d.db.WithContext(ctx).Model(model).Updates(values)
	return rv.RowsAffected, rv.Error
}

func (d *database) Update(
	ctx context.Context,
	model any,
	column string,
	value any,
) (int64, error) {
	ctx, cancel := d.withTimeout(ctx, dbOperationTimeout)
	defer cancel()
	rv := d.db.WithContext(ctx).Model(model).Update(column, value)
	return rv.RowsAffected, rv.Error
}

func (d *database) Delete(value any, conds ...any) (int64, error) {
	rv := d.db.Delete(value, conds...)
	return rv.RowsAffected, rv.Error
}

// Transaction runs fc inside a read-committed transaction bounded by
// dbTransactionTimeout. All writes touching more than one table go
// through here.
func (d *database) Transaction(
	ctx context.Context,
	fc func(tx *gorm.DB) error,
) error {
	ctx, cancel := d.withTimeout(ctx, dbTransactionTimeout)
	defer cancel()
	err := d.db.WithContext(ctx).Transaction(
		fc,
		&sql.TxOptions{Isolation: sql.LevelReadCommitted},
	)
	if err != nil {
		d.logger.ErrorContext(ctx, "transaction failed", tint.Err(err))
	}
	return err
}

// UserProfile carries the Discord-reported display attributes used to
// create or refresh a User row.
type UserProfile struct {
	Username      string
	Discriminator string
	Avatar        string
}

// DBI defines the interface for database operations. This is here
// primarily to enable mocking for tests; [database] implements it for
// 'real' DB operations.
type DBI interface {
	Connect(ctx context.Context) error
	Disconnect() error
	Status() ConnState

	DB() *gorm.DB
	GetOrCreateUser(ctx context.Context, discordID string, profile UserProfile) (
		*User,
		bool,
		error,
	)
	ReloadUser(discordID string) *User
	Create(ctx context.Context, value any) (int64, error)
	Save(ctx context.Context, value any) (int64, error)
	Updates(ctx context.Context, model any, values any) (int64, error)
	Update(ctx context.Context, model any, column string, value any) (int64, error)
	Delete(value any, conds ...any) (int64, error)
	Transaction(ctx context.Context, fc func(tx *gorm.DB) error) error
}

// CreateDB initializes a GORM connection for the given database type
// ('sqlite' or 'postgres') and runs auto-migration for all models.
func CreateDB(ctx context.Context, databaseType string, dsn string) (*gorm.DB, error) {
	handler := tint.NewHandler(
		os.Stdout,
		&tint.Options{
			Level:     slog.LevelWarn,
			AddSource: true,
		},
	)
	gormLogger := newGORMLogger(handler, DefaultDatabaseSlowThreshold)
	dbLogger := slog.New(handler)

	dbLogger.InfoContext(
		ctx,
		"Initializing database",
		"database_type", databaseType,
	)
	db, err := getDB(databaseType, dsn, gormLogger)
	if err != nil {
		return db, err
	}

	if databaseType == dbTypeSQLite {
		for _, pragma := range sqliteExecPragma {
			if err = db.Exec(pragma).Error; err != nil {
				return db, fmt.Errorf("error setting sqlite pragma: %w", err)
			}
		}
	}

	err = db.WithContext(ctx).AutoMigrate(
		&User{},
		&Guild{},
		&GuildSettings{},
		&GuildMember{},
		&Permission{},
		&Channel{},
		&Conversation{},
		&Message{},
		&BotLog{},
	)
	if err != nil {
		return db, fmt.Errorf("error migrating database: %w", err)
	}

	return db, nil
}

// InitializeDB runs migrations and seeds the baseline permission
// rows, without starting the bot. Used by the `init` subcommand.
func InitializeDB(ctx context.Context, databaseType string, dsn string) error {
	db, err := CreateDB(ctx, databaseType, dsn)
	if err != nil {
		return fmt.Errorf("error creating database: %w", err)
	}
	if err = seedPermissions(ctx, db, slog.Default()); err != nil {
		return fmt.Errorf("error seeding permissions: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func getDB(
	databaseType string,
	dsn string,
	gormLogger *gormStructuredLogger,
) (*gorm.DB, error) {
	switch databaseType {
	case dbTypeSQLite:
		parentDir := filepath.Dir(dsn)
		if parentDir != "" {
			if err := os.MkdirAll(parentDir, 0755); err != nil {
				if !errors.Is(err, os.ErrExist) {
					return nil, err
				}
			}
		}
		return gorm.Open(
			sqlite.Open(dsn),
			&gorm.Config{
				Logger: gormLogger,
				NowFunc: func() time.Time {
					return time.Now().UTC()
				},
			},
		)
	case dbTypePostgres:
		return gorm.Open(
			postgres.Open(dsn),
			&gorm.Config{
				Logger: gormLogger,
				NowFunc: func() time.Time {
					return time.Now().UTC()
				},
			},
		)
	default:
		return nil, fmt.Errorf(
			"unsupported database type: %s (must be %q or %q)",
			databaseType, dbTypeSQLite, dbTypePostgres,
		)
	}
}

// DBNotifier lets bot instances signal each other about guild-settings
// updates and shutdown. With postgres, LISTEN/NOTIFY carries the
// signal across instances; with sqlite there's only one instance, so
// the notifier feeds the local channels directly.
type DBNotifier interface {
	GuildSettingsChannelName() string

	// GuildSettingsUpdated announces that a guild's settings row
	// changed and cached copies should be dropped.
	GuildSettingsUpdated(ctx context.Context, guildID string) bool

	StopChannelName() string

	// Stop sends a shutdown signal to all bot instances.
	Stop(context.Context) bool

	// ID identifies this notifier, so instances can filter out their
	// own notifications.
	ID() string
	Listen(ctx context.Context, channel string) error
}

func newDBNotifier(p *Pixie) (DBNotifier, error) {
	notifyID, err := generateRandomHexString(16)
	if err != nil {
		return nil, err
	}
	log := p.logger.With(loggerNameKey, "db_notifier")
	switch p.config.DatabaseType {
	case dbTypeSQLite:
		return &sqliteNotifier{logger: log, p: p, notifyID: notifyID}, nil
	case dbTypePostgres:
		return &postgresNotifier{logger: log, p: p, notifyID: notifyID}, nil
	default:
		return nil, errors.New("invalid database type")
	}
}

type sqliteNotifier struct {
	logger   *slog.Logger
	p        *Pixie
	notifyID string
}

func (s *sqliteNotifier) ID() string {
	return s.notifyID
}

func (s *sqliteNotifier) Listen(_ context.Context, channel string) error {
	s.logger.Debug("listener called", "channel", channel)
	return nil
}

func (sqliteNotifier) GuildSettingsChannelName() string {
	return ""
}

func (s *sqliteNotifier) GuildSettingsUpdated(ctx context.Context, guildID string) bool {
	select {
	case s.p.triggerGuildSettingsRefreshCh <- guildID:
	//
	case <-ctx.Done():
		s.logger.Warn("timeout sending settings refresh", "guild_id", guildID)
		return false
	}
	return true
}

func (sqliteNotifier) StopChannelName() string {
	return ""
}

func (s *sqliteNotifier) Stop(ctx context.Context) bool {
	s.logger.Info("notifying stop signal")
	select {
	case s.p.signalStop <- struct{}{}:
	//
	case <-ctx.Done():
		s.logger.Warn("timeout sending stop signal")
		return false
	}
	return true
}

type postgresNotifier struct {
	logger   *slog.Logger
	p        *Pixie
	notifyID string
}

func (p *postgresNotifier) ID() string {
	return p.notifyID
}

func (postgresNotifier) GuildSettingsChannelName() string {
	return postgresNotifyChannelGuildSettings
}

func (postgresNotifier) StopChannelName() string {
	return postgresNotifyChannelStop
}

func (p *postgresNotifier) GuildSettingsUpdated(ctx context.Context, guildID string) bool {
	notifyErr := p.p.db.DB().WithContext(ctx).Exec(
		"SELECT pg_notify(?, ?)",
		p.GuildSettingsChannelName(),
		fmt.Sprintf("%s:%s", p.ID(), guildID),
	).Error
	if notifyErr != nil {
		p.logger.ErrorContext(
			ctx,
			"Error sending NOTIFY for guild settings",
			tint.Err(notifyErr),
			"guild_id", guildID,
		)
		return false
	}
	return true
}

func (p *postgresNotifier) Stop(ctx context.Context) bool {
	notifyErr := p.p.db.DB().WithContext(ctx).Exec(
		"SELECT pg_notify(?, ?)",
		p.StopChannelName(),
		p.ID(),
	).Error
	if notifyErr != nil {
		p.logger.ErrorContext(ctx, "Error sending NOTIFY to stop bot", tint.Err(notifyErr))
		return false
	}
	p.logger.Info("sent stop signal", "pg_notify_id", p.ID())
	return true
}

func (p *postgresNotifier) Listen(ctx context.Context, channel string) error {
	p.logger.Info("starting db listener", "channel", channel)

	config, err := pgxpool.ParseConfig(p.p.config.Database)
	if err != nil {
		p.logger.ErrorContext(ctx, "Error parsing database config", tint.Err(err))
		return err
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		p.logger.ErrorContext(ctx, "Error creating connection pool", tint.Err(err))
		return err
	}
	defer pool.Close()

	conn, err := pool.Acquire(ctx)
	if err != nil {
		p.logger.ErrorContext(ctx, "Error acquiring connection", tint.Err(err))
		return err
	}
	defer conn.Release()

	_, err = conn.Exec(ctx, fmt.Sprintf("LISTEN %s", channel))
	if err != nil {
		p.logger.ErrorContext(ctx, "Error setting up listener", tint.Err(err))
		return err
	}
	logger := p.logger.With("channel", channel)
	logger.InfoContext(ctx, "Started listening on channel")

	for ctx.Err() == nil {
		notification, e := conn.Conn().WaitForNotification(ctx)
		if e != nil {
			logger.ErrorContext(ctx, "Error waiting for notification", tint.Err(e))
			time.Sleep(5 * time.Second)
			continue
		}

		switch channel {
		case p.GuildSettingsChannelName():
			notifierID, guildID, _ := splitNotificationPayload(notification.Payload)
			if notifierID == p.ID() {
				continue
			}
			select {
			case p.p.triggerGuildSettingsRefreshCh <- guildID:
				logger.Info("sent settings refresh signal", "guild_id", guildID)
			case <-time.After(dbNotifierSendTimeout):
				logger.Warn("timed out sending settings refresh signal")
			}
		case p.StopChannelName():
			if notification.Payload == p.ID() {
				continue
			}
			logger.InfoContext(ctx, "received stop signal via NOTIFY")
			select {
			case p.p.signalStop <- struct{}{}:
				logger.Info("forwarded stop signal")
			case <-time.After(dbNotifierSendTimeout):
				logger.Warn("timed out forwarding stop signal")
			}
		default:
			logger.Warn("Received unknown notification", "channel", notification.Channel)
		}
	}

	return nil
}
