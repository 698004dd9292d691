// Package robot keeps the registry of robots the bridge serves. A Manager owns every robot
// connection together with its session hub and side channels, provisions virtual robots on
// demand and follows configuration changes.
package robot

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/samber/lo"
	"go.uber.org/multierr"
	goutils "go.viam.com/utils"

	"go.viam.com/urbridge/components/arm/universalrobots"
	"go.viam.com/urbridge/components/camera/ffmpeg"
	"go.viam.com/urbridge/components/vnc"
	"go.viam.com/urbridge/config"
	"go.viam.com/urbridge/logging"
	"go.viam.com/urbridge/session"
)

// ErrUnknownRobot is returned for robot names that are not configured.
var ErrUnknownRobot = errors.New("unknown robot")

// ErrNoVNC is returned when a robot has no VNC relay.
var ErrNoVNC = errors.New("robot has no vnc relay")

const releaseTimeout = 30 * time.Second

// Options tune a Manager.
type Options struct {
	// Provisioner starts virtual robots. When nil and the config has a provisioner section, a
	// CommandProvisioner is used.
	Provisioner Provisioner
	// Hub is the template for every session hub. Virtual, OnEmpty and Video are set per robot.
	Hub               session.Options
	ConnectionOptions []universalrobots.Option
	VideoOptions      []ffmpeg.Option
	VNCOptions        []vnc.Option
}

// Status is a point in time summary of one robot.
type Status struct {
	Name           string                `json:"name"`
	Host           string                `json:"host,omitempty"`
	Virtual        bool                  `json:"virtual,omitempty"`
	State          universalrobots.State `json:"state"`
	Error          string                `json:"error,omitempty"`
	Sessions       int                   `json:"sessions"`
	Paused         bool                  `json:"paused,omitempty"`
	Attempts       int                   `json:"attempts"`
	ConnectedSince *time.Time            `json:"connected_since,omitempty"`
	Video          bool                  `json:"video,omitempty"`
	VNC            string                `json:"vnc,omitempty"`
}

// Manager is the process wide registry of robots. It is created once and handed to whoever
// needs to reach a robot.
type Manager struct {
	ctx    context.Context
	logger logging.Logger
	opts   Options

	replies *universalrobots.ReplyChannel

	mu          sync.Mutex
	cfg         *config.Config
	provisioner Provisioner
	robots      map[string]*entry
	closed      bool
	teardowns   sync.WaitGroup
}

// entry is one configured robot. Its resources are nil until the robot is started, which is
// right away for physical robots and on first use for virtual ones.
type entry struct {
	cfg config.Robot

	mu    sync.Mutex
	conn  *universalrobots.Connection
	hub   *session.Hub
	video *ffmpeg.Source
	relay *vnc.Relay
}

// NewManager starts every physical robot in cfg. Connections live until Close, or until ctx is
// done.
func NewManager(ctx context.Context, cfg *config.Config, logger logging.Logger, opts Options) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m := &Manager{
		ctx:     ctx,
		logger:  logger,
		opts:    opts,
		replies: universalrobots.NewReplyChannel(cfg.Reply.ReplyConfig(), logger.Sublogger("reply"), nil),
		cfg:     cfg,
		robots:  map[string]*entry{},
	}
	m.provisioner = m.provisionerFor(cfg)
	for _, robotCfg := range cfg.Robots {
		m.add(robotCfg)
	}
	return m, nil
}

func (m *Manager) provisionerFor(cfg *config.Config) Provisioner {
	if m.opts.Provisioner != nil {
		return m.opts.Provisioner
	}
	if cfg.Provisioner != nil {
		return NewCommandProvisioner(*cfg.Provisioner, m.logger.Sublogger("provisioner"))
	}
	return nil
}

// add registers robotCfg. Physical robots start dialing right away.
func (m *Manager) add(robotCfg config.Robot) {
	e := &entry{cfg: robotCfg}
	m.mu.Lock()
	m.robots[robotCfg.Name] = e
	m.mu.Unlock()
	if robotCfg.Virtual {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	m.startLocked(e, robotCfg.Connection())
}

// Robots lists the configured robot names in order.
func (m *Manager) Robots() []string {
	m.mu.Lock()
	names := lo.Keys(m.robots)
	m.mu.Unlock()
	sort.Strings(names)
	return names
}

// Hub returns the session hub of the named robot. Virtual robots are provisioned first if
// they are not running.
func (m *Manager) Hub(ctx context.Context, name string) (*session.Hub, error) {
	e, err := m.entry(name)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.hub != nil {
		return e.hub, nil
	}
	if !e.cfg.Virtual {
		return nil, errors.Wrapf(ErrUnknownRobot, "robot %q is stopped", name)
	}

	connCfg := e.cfg.Connection()
	m.mu.Lock()
	provisioner := m.provisioner
	m.mu.Unlock()
	if provisioner != nil {
		host, port, err := provisioner.Provision(ctx, name)
		if err != nil {
			return nil, errors.Wrapf(err, "cannot provision virtual robot %q", name)
		}
		connCfg.Host, connCfg.Port = host, port
		m.logger.CInfow(ctx, "provisioned virtual robot", "robot", name, "host", host, "port", port)
	}
	if connCfg.Host == "" {
		return nil, errors.Errorf("virtual robot %q has no host and no provisioner", name)
	}

	// a robot removed while provisioning must not be started
	if current, err := m.entry(name); err != nil || current != e {
		m.release(name, provisioner)
		return nil, errors.Wrapf(ErrUnknownRobot, "robot %q was removed", name)
	}
	m.startLocked(e, connCfg)
	return e.hub, nil
}

// VNC returns the VNC relay of the named robot.
func (m *Manager) VNC(name string) (*vnc.Relay, error) {
	e, err := m.entry(name)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.relay == nil {
		return nil, errors.Wrapf(ErrNoVNC, "robot %q", name)
	}
	return e.relay, nil
}

// Replies is the reply channel shared by every robot.
func (m *Manager) Replies() *universalrobots.ReplyChannel {
	return m.replies
}

func (m *Manager) entry(name string) (*entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, errors.New("robot manager is closed")
	}
	e, ok := m.robots[name]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownRobot, "%q", name)
	}
	return e, nil
}

// startLocked builds the connection, hub and side channels of e. e.mu must be held and m.mu
// must not be.
func (m *Manager) startLocked(e *entry, connCfg universalrobots.Config) {
	name := e.cfg.Name
	logger := m.logger.Sublogger(name)

	connOpts := append([]universalrobots.Option{}, m.opts.ConnectionOptions...)
	if e.cfg.Virtual {
		connOpts = append(connOpts, universalrobots.WithOnLeave(func(c *universalrobots.Connection) {
			m.teardownAsync(name, func(e *entry) bool { return e.conn == c }, "virtual robot stopped")
		}))
	}
	conn := universalrobots.NewConnection(connCfg, m.Replies(), logger, connOpts...)

	var video *ffmpeg.Source
	if e.cfg.Video != nil {
		src, err := ffmpeg.NewSource(name, *e.cfg.Video, logger.Sublogger("video"), m.opts.VideoOptions...)
		if err != nil {
			logger.Warnw("cannot start video feed, continuing without it", "error", err)
		} else {
			video = src
		}
	}

	var relay *vnc.Relay
	if e.cfg.VNC != nil {
		vncCfg := vnc.Config{Name: name, Host: e.cfg.VNC.Host, Port: e.cfg.VNC.Port, MaxRetries: e.cfg.VNC.MaxRetries}
		if vncCfg.Host == "" {
			vncCfg.Host = connCfg.Host
		}
		relay = vnc.NewRelay(vncCfg, logger.Sublogger("vnc"), m.opts.VNCOptions...)
	}

	hubOpts := m.opts.Hub
	hubOpts.Virtual = e.cfg.Virtual
	hubOpts.Video = nil
	if video != nil {
		hubOpts.Video = video
	}
	var hub *session.Hub
	hubOpts.OnEmpty = func() {
		m.teardownAsync(name, func(e *entry) bool { return e.hub == hub }, "last session left")
	}
	hub = session.NewHub(conn, logger, hubOpts)

	e.conn, e.hub, e.video, e.relay = conn, hub, video, relay
	conn.Start(m.ctx)
	logger.Infow("robot started", "address", connCfg.Address(), "virtual", e.cfg.Virtual)
}

// stopLocked closes every resource of e. e.mu must be held.
func (m *Manager) stopLocked(ctx context.Context, e *entry) error {
	if e.hub == nil {
		return nil
	}
	e.hub.Close()
	err := e.conn.Close(ctx)
	if e.video != nil {
		err = multierr.Combine(err, e.video.Close())
	}
	if e.relay != nil {
		err = multierr.Combine(err, e.relay.Close())
	}
	e.conn, e.hub, e.video, e.relay = nil, nil, nil, nil
	return err
}

// teardownAsync stops a virtual robot if match still holds for its entry. It runs on its own
// goroutine since it is triggered from inside the hub and the connection.
func (m *Manager) teardownAsync(name string, match func(*entry) bool, reason string) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	e, ok := m.robots[name]
	if !ok {
		m.mu.Unlock()
		return
	}
	provisioner := m.provisioner
	m.teardowns.Add(1)
	m.mu.Unlock()

	goutils.PanicCapturingGo(func() {
		defer m.teardowns.Done()
		e.mu.Lock()
		if e.hub == nil || !match(e) {
			e.mu.Unlock()
			return
		}
		m.logger.Infow("tearing down virtual robot", "robot", name, "reason", reason)
		err := m.stopLocked(m.ctx, e)
		e.mu.Unlock()
		if err != nil {
			m.logger.Warnw("error stopping virtual robot", "robot", name, "error", err)
		}
		m.release(name, provisioner)
	})
}

func (m *Manager) release(name string, provisioner Provisioner) {
	if provisioner == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	if err := provisioner.Release(ctx, name); err != nil {
		m.logger.Warnw("cannot release virtual robot", "robot", name, "error", err)
	}
}

// Status summarizes every robot, ordered by name.
func (m *Manager) Status() []Status {
	m.mu.Lock()
	entries := lo.Values(m.robots)
	m.mu.Unlock()
	sort.Slice(entries, func(i, j int) bool { return entries[i].cfg.Name < entries[j].cfg.Name })
	return lo.Map(entries, func(e *entry, _ int) Status {
		return e.status()
	})
}

func (e *entry) status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := Status{
		Name:    e.cfg.Name,
		Host:    e.cfg.Host,
		Virtual: e.cfg.Virtual,
		State:   universalrobots.StateDisconnected,
	}
	if e.conn == nil {
		return st
	}
	st.Host = e.conn.Config().Host
	st.State = e.conn.State()
	if err := e.conn.Err(); err != nil {
		st.Error = err.Error()
	}
	st.Sessions = e.hub.Len()
	st.Paused = e.conn.Paused()
	st.Attempts = e.conn.Attempts()
	if since := e.conn.ConnectedSince(); !since.IsZero() {
		st.ConnectedSince = &since
	}
	st.Video = e.video != nil
	if e.relay != nil {
		st.VNC = e.relay.State().String()
	}
	return st
}

// Reconfigure moves the registry to cfg. Robots whose config changed are restarted, which
// ends their sessions. When the reply listener or the provisioner changed every robot is
// restarted.
func (m *Manager) Reconfigure(ctx context.Context, cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return errors.New("robot manager is closed")
	}
	old := m.cfg
	oldProvisioner := m.provisioner
	m.mu.Unlock()

	diff := config.DiffConfigs(*old, *cfg)
	removed, added := diff.Removed, diff.Added
	if !diff.SharedEqual {
		removed, added = old.Robots, cfg.Robots
	} else {
		removed = append(removed, lo.Filter(old.Robots, func(r config.Robot, _ int) bool {
			return lo.ContainsBy(diff.Modified, func(mod config.Robot) bool { return mod.Name == r.Name })
		})...)
		added = append(added, diff.Modified...)
	}
	if diff.RobotsEqual && diff.SharedEqual {
		m.mu.Lock()
		m.cfg = cfg
		m.mu.Unlock()
		return nil
	}
	m.logger.CInfow(ctx, "reconfiguring robots", "diff", diff.String())

	var err error
	for _, robotCfg := range removed {
		err = multierr.Combine(err, m.remove(ctx, robotCfg.Name, oldProvisioner))
	}

	if !diff.SharedEqual {
		// one slot for the life of the manager
		err = multierr.Combine(err, m.replies.Reconfigure(ctx, cfg.Reply.ReplyConfig()))
	}

	m.mu.Lock()
	m.cfg = cfg
	if !diff.SharedEqual {
		m.provisioner = m.provisionerFor(cfg)
	}
	m.mu.Unlock()

	for _, robotCfg := range added {
		m.add(robotCfg)
	}
	return err
}

func (m *Manager) remove(ctx context.Context, name string, provisioner Provisioner) error {
	m.mu.Lock()
	e, ok := m.robots[name]
	delete(m.robots, name)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	e.mu.Lock()
	running := e.hub != nil
	err := m.stopLocked(ctx, e)
	e.mu.Unlock()
	if running && e.cfg.Virtual {
		m.release(name, provisioner)
	}
	return err
}

// Close stops every robot and releases the running virtual ones.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	names := lo.Keys(m.robots)
	provisioner := m.provisioner
	m.mu.Unlock()

	m.teardowns.Wait()
	var err error
	for _, name := range names {
		err = multierr.Combine(err, m.remove(ctx, name, provisioner))
	}
	return err
}
