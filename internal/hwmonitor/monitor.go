// Package hwmonitor watches udev for hardware wallet hotplug events and tells
// connected terminals to refresh their wallet list.
package hwmonitor

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/pilebones/go-udev/netlink"

	"headless/internal/config"
	"headless/internal/logging"
)

// Notifier is told when the attached device set changed.
type Notifier interface {
	WalletsListUpdated()
}

// settleDelay coalesces the burst of uevents a single plug produces.
const settleDelay = 500 * time.Millisecond

// Monitor listens for USB add/remove events from known hardware wallet vendors.
type Monitor struct {
	logger   *slog.Logger
	notifier Notifier
	vendors  map[string]struct{}
	settle   time.Duration

	mu      sync.Mutex
	conn    *netlink.UEventConn
	quit    chan struct{}
	timer   *time.Timer
	running bool
}

// New returns nil when hardware detection is disabled.
func New(cfg *config.Config, notifier Notifier, logger *slog.Logger) *Monitor {
	if cfg == nil || !cfg.Hardware.Enabled || notifier == nil {
		return nil
	}
	vendors := make(map[string]struct{}, len(cfg.Hardware.VendorIDs))
	for _, id := range cfg.Hardware.VendorIDs {
		if id = normalizeVendor(id); id != "" {
			vendors[id] = struct{}{}
		}
	}
	return &Monitor{
		logger:   logging.NewComponentLogger(logger, "hwmonitor"),
		notifier: notifier,
		vendors:  vendors,
		settle:   settleDelay,
	}
}

// Start connects to the kernel uevent socket. Failing to connect is logged
// and otherwise ignored: software wallets keep working.
func (m *Monitor) Start(ctx context.Context) error {
	if m == nil {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return nil
	}

	conn := new(netlink.UEventConn)
	if err := conn.Connect(netlink.UdevEvent); err != nil {
		m.logger.Warn("failed to connect to netlink socket; hardware wallets will not be detected",
			logging.Error(err),
			logging.String(logging.FieldEventType, "netlink_connect_failed"),
			logging.String(logging.FieldErrorHint, "ensure the signer may open netlink sockets"),
			logging.String(logging.FieldImpact, "terminals are not told about plugged devices"),
		)
		return nil
	}

	m.conn = conn
	m.quit = make(chan struct{})
	m.running = true

	quit := m.quit
	go m.monitorLoop(ctx, conn, quit)

	m.logger.Info("hardware wallet monitor started",
		logging.String(logging.FieldEventType, "hwmonitor_started"),
		logging.Int("vendors", len(m.vendors)),
	)
	return nil
}

// Stop closes the uevent socket and cancels a pending notification.
func (m *Monitor) Stop() {
	if m == nil {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return
	}
	close(m.quit)
	m.quit = nil
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.running = false

	m.logger.Info("hardware wallet monitor stopped",
		logging.String(logging.FieldEventType, "hwmonitor_stopped"),
	)
}

// Running reports whether the monitor holds a uevent socket.
func (m *Monitor) Running() bool {
	if m == nil {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *Monitor) monitorLoop(ctx context.Context, conn *netlink.UEventConn, quit <-chan struct{}) {
	queue := make(chan netlink.UEvent)
	errs := make(chan error)
	monitorQuit := conn.Monitor(queue, errs, matcher())

	for {
		select {
		case <-ctx.Done():
			close(monitorQuit)
			return
		case <-quit:
			close(monitorQuit)
			return
		case uevent := <-queue:
			m.handleEvent(uevent)
		case err := <-errs:
			m.logger.Warn("netlink monitor error",
				logging.Error(err),
				logging.String(logging.FieldEventType, "netlink_monitor_error"),
				logging.String(logging.FieldErrorHint, "check kernel netlink subsystem"),
				logging.String(logging.FieldImpact, "hotplug events may be missed"),
			)
		}
	}
}

// matcher selects whole USB devices being added or removed.
func matcher() netlink.Matcher {
	action := "add|remove"
	rules := &netlink.RuleDefinitions{}
	rules.AddRule(netlink.RuleDefinition{
		Action: &action,
		Env: map[string]string{
			"SUBSYSTEM": "usb",
			"DEVTYPE":   "usb_device",
		},
	})
	return rules
}

func (m *Monitor) handleEvent(uevent netlink.UEvent) {
	vendor := vendorOf(uevent)
	if _, ok := m.vendors[vendor]; !ok {
		return
	}
	m.logger.Info("hardware wallet hotplug",
		logging.String(logging.FieldEventType, "hwmonitor_hotplug"),
		logging.String("action", string(uevent.Action)),
		logging.String("vendor", vendor),
		logging.String("kobj", uevent.KObj),
	)
	m.schedule()
}

// schedule arms a single notification after the settle delay.
func (m *Monitor) schedule() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return
	}
	if m.timer != nil {
		m.timer.Reset(m.settle)
		return
	}
	m.timer = time.AfterFunc(m.settle, m.fire)
}

func (m *Monitor) fire() {
	m.mu.Lock()
	running := m.running
	m.timer = nil
	m.mu.Unlock()
	if running {
		m.notifier.WalletsListUpdated()
	}
}

// vendorOf reads the vendor id from ID_VENDOR_ID or, failing that, the
// PRODUCT triple ("vid/pid/bcd", hex without leading zeros).
func vendorOf(uevent netlink.UEvent) string {
	if id := normalizeVendor(uevent.Env["ID_VENDOR_ID"]); id != "" {
		return id
	}
	product := uevent.Env["PRODUCT"]
	if product == "" {
		return ""
	}
	vid, _, _ := strings.Cut(product, "/")
	return normalizeVendor(vid)
}

func normalizeVendor(id string) string {
	id = strings.ToLower(strings.TrimSpace(id))
	id = strings.TrimPrefix(id, "0x")
	if id == "" || len(id) > 4 {
		return ""
	}
	for _, r := range id {
		if !strings.ContainsRune("0123456789abcdef", r) {
			return ""
		}
	}
	return strings.Repeat("0", 4-len(id)) + id
}
