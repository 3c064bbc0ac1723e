// Package ipc exposes the daemons' debug/control surface over D-Bus,
// grounded on original_source/stafd.py's DBUS_IDL and Dbus class
// (org.nvmexpress.stas{f,c}d and .debug interfaces: tron/log_level
// properties, process_info/controller_info/list_controllers methods,
// plus the Finder-only get_log_pages/get_all_log_pages methods and
// log_pages_changed signal), adopting github.com/godbus/dbus/v5's
// object-export idiom the way Xuanwo-nomad-driver-systemd-nspawn wires
// its own systemd D-Bus surface.
package ipc

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"
	"github.com/godbus/dbus/v5/prop"
	"k8s.io/klog/v2"
)

// BaseName is the D-Bus well-known name prefix; each daemon appends
// its own program name ("stafd" or "stacd").
const BaseName = "org.nvmexpress.stas"

// ObjectPath is the single object both daemons export their interface
// under.
const ObjectPath = dbus.ObjectPath("/org/nvmexpress/stas")

// ControllerSummary is the JSON-serializable shape returned by
// controller_info, list_controllers, and get_all_log_pages — a subset
// of controller identity plus state, matching controller.details()/
// controller_id_dict() in the original.
type ControllerSummary struct {
	Transport  string `json:"transport"`
	Traddr     string `json:"traddr"`
	Trsvcid    string `json:"trsvcid"`
	HostTraddr string `json:"host-traddr,omitempty"`
	HostIface  string `json:"host-iface,omitempty"`
	SubsysNQN  string `json:"subsysnqn"`
	State      string `json:"state,omitempty"`
	Device     string `json:"device,omitempty"`
}

// LogPage is one discovery log page entry as exposed over IPC.
type LogPage struct {
	Trtype  string `json:"trtype"`
	Traddr  string `json:"traddr"`
	Trsvcid string `json:"trsvcid"`
	Subnqn  string `json:"subnqn"`
	Subtype string `json:"subtype"`
	Eflags  int    `json:"eflags"`
}

// Backend is implemented by the owning daemon (Finder or Connector)
// and supplies the data the D-Bus methods report.
type Backend interface {
	ProcessInfo() map[string]any
	ControllerInfo(transport, traddr, trsvcid, hostTraddr, hostIface, subsysNQN string) *ControllerSummary
	ListControllers(detailed bool) []ControllerSummary
}

// LogPageBackend is additionally implemented by the Finder, the only
// daemon that owns discovery log pages.
type LogPageBackend interface {
	Backend
	GetLogPages(transport, traddr, trsvcid, hostTraddr, hostIface, subsysNQN string) []LogPage
	GetAllLogPages(detailed bool) []map[string]any
}

// Server owns the exported D-Bus object and the system bus connection.
type Server struct {
	conn    *dbus.Conn
	name    string
	backend Backend
	props   *prop.Properties
}

// object is the type whose exported methods become the D-Bus method
// table; godbus matches method names case-sensitively against the
// interface's XML-declared method names, so the Go methods keep Go's
// CamelCase and New exports them through ExportMethodTable under the
// IDL's lower_snake names — callers invoke them by the D-Bus method
// name, not as ordinary Go calls.
type object struct {
	srv *Server
}

func (o *object) ProcessInfo() (string, *dbus.Error) {
	info := o.srv.backend.ProcessInfo()
	b, err := json.Marshal(info)
	if err != nil {
		return "", dbus.MakeFailedError(err)
	}
	return string(b), nil
}

func (o *object) ControllerInfo(transport, traddr, trsvcid, hostTraddr, hostIface, subsysNQN string) (string, *dbus.Error) {
	c := o.srv.backend.ControllerInfo(transport, traddr, trsvcid, hostTraddr, hostIface, subsysNQN)
	if c == nil {
		return "{}", nil
	}
	b, err := json.Marshal(c)
	if err != nil {
		return "", dbus.MakeFailedError(err)
	}
	return string(b), nil
}

func (o *object) ListControllers(detailed bool) ([]map[string]string, *dbus.Error) {
	out := make([]map[string]string, 0)
	for _, c := range o.srv.backend.ListControllers(detailed) {
		out = append(out, controllerToMap(c, detailed))
	}
	return out, nil
}

// controllerToMap renders a ControllerSummary as the aa{ss} shape the
// IDL's list_controllers/controller_info methods return; host/state/
// device fields are included only when detailed is set, matching the
// original's controller_id_dict() (terse) vs details() (full) split.
func controllerToMap(c ControllerSummary, detailed bool) map[string]string {
	m := map[string]string{
		"transport": c.Transport,
		"traddr":    c.Traddr,
		"trsvcid":   c.Trsvcid,
		"subsysnqn": c.SubsysNQN,
	}
	if detailed {
		m["host-traddr"] = c.HostTraddr
		m["host-iface"] = c.HostIface
		m["state"] = c.State
		m["device"] = c.Device
	}
	return m
}

func logPageToMap(p LogPage) map[string]string {
	return map[string]string{
		"trtype":  p.Trtype,
		"traddr":  p.Traddr,
		"trsvcid": p.Trsvcid,
		"subnqn":  p.Subnqn,
		"subtype": p.Subtype,
	}
}

func (o *object) GetLogPages(transport, traddr, trsvcid, hostTraddr, hostIface, subsysNQN string) ([]map[string]string, *dbus.Error) {
	lp, ok := o.srv.backend.(LogPageBackend)
	if !ok {
		return nil, dbus.MakeFailedError(errNotSupported)
	}
	pages := lp.GetLogPages(transport, traddr, trsvcid, hostTraddr, hostIface, subsysNQN)
	out := make([]map[string]string, 0, len(pages))
	for _, p := range pages {
		out = append(out, logPageToMap(p))
	}
	return out, nil
}

func (o *object) GetAllLogPages(detailed bool) (string, *dbus.Error) {
	lp, ok := o.srv.backend.(LogPageBackend)
	if !ok {
		return "[]", dbus.MakeFailedError(errNotSupported)
	}
	b, err := json.Marshal(lp.GetAllLogPages(detailed))
	if err != nil {
		return "", dbus.MakeFailedError(err)
	}
	return string(b), nil
}

var errNotSupported = &dbusError{"org.nvmexpress.stas.NotSupported", "method not supported by this daemon"}

type dbusError struct {
	name string
	msg  string
}

func (e *dbusError) Error() string { return e.msg }

// New connects to the system bus, requests the program-qualified well
// known name, and exports the debug and main interfaces at ObjectPath.
// tronGet/tronSet back the tron property onto the daemon's own trace
// flag; logLevelGet reports the current klog verbosity the way the
// original exposes logging.getLogger().
func New(program string, backend Backend, tronGet func() bool, tronSet func(bool), logLevelGet func() string) (*Server, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, err
	}

	busName := BaseName + program
	reply, err := conn.RequestName(busName, dbus.NameFlagDoNotQueue)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		conn.Close()
		return nil, errBusNameTaken(busName)
	}

	s := &Server{conn: conn, name: busName, backend: backend}
	obj := &object{srv: s}

	mainIface := busName
	debugIface := busName + ".debug"

	// ExportMethodTable, not Export, so the D-Bus member names match the
	// lower_snake IDL exactly instead of Go's exported-method casing.
	mainMethods := map[string]interface{}{
		"list_controllers":  obj.ListControllers,
		"get_log_pages":     obj.GetLogPages,
		"get_all_log_pages": obj.GetAllLogPages,
	}
	if err := conn.ExportMethodTable(mainMethods, ObjectPath, mainIface); err != nil {
		conn.Close()
		return nil, err
	}

	debugMethods := map[string]interface{}{
		"process_info":    obj.ProcessInfo,
		"controller_info": obj.ControllerInfo,
	}
	if err := conn.ExportMethodTable(debugMethods, ObjectPath, debugIface); err != nil {
		conn.Close()
		return nil, err
	}

	propsSpec := map[string]map[string]*prop.Prop{
		debugIface: {
			"tron": {
				Value:    tronGet(),
				Writable: true,
				Emit:     prop.EmitTrue,
				Callback: func(c *prop.Change) *dbus.Error {
					v, _ := c.Value.(bool)
					tronSet(v)
					return nil
				},
			},
			"log_level": {
				Value:    logLevelGet(),
				Writable: false,
				Emit:     prop.EmitFalse,
			},
		},
	}
	exportedProps, err := prop.Export(conn, ObjectPath, propsSpec)
	if err != nil {
		conn.Close()
		return nil, err
	}
	s.props = exportedProps

	node := &introspect.Node{
		Name: string(ObjectPath),
		Interfaces: []introspect.Interface{
			introspect.IntrospectData,
			prop.IntrospectData,
			{
				Name: debugIface,
				Methods: []introspect.Method{
					{Name: "process_info", Args: []introspect.Arg{{Name: "info_json", Type: "s", Direction: "out"}}},
					{Name: "controller_info", Args: []introspect.Arg{
						{Name: "transport", Type: "s", Direction: "in"},
						{Name: "traddr", Type: "s", Direction: "in"},
						{Name: "trsvcid", Type: "s", Direction: "in"},
						{Name: "host_traddr", Type: "s", Direction: "in"},
						{Name: "host_iface", Type: "s", Direction: "in"},
						{Name: "subsysnqn", Type: "s", Direction: "in"},
						{Name: "info_json", Type: "s", Direction: "out"},
					}},
				},
			},
			{
				Name: mainIface,
				Methods: []introspect.Method{
					{Name: "list_controllers", Args: []introspect.Arg{
						{Name: "detailed", Type: "b", Direction: "in"},
						{Name: "controller_list", Type: "aa{ss}", Direction: "out"},
					}},
					{Name: "get_log_pages", Args: []introspect.Arg{
						{Name: "transport", Type: "s", Direction: "in"},
						{Name: "traddr", Type: "s", Direction: "in"},
						{Name: "trsvcid", Type: "s", Direction: "in"},
						{Name: "host_traddr", Type: "s", Direction: "in"},
						{Name: "host_iface", Type: "s", Direction: "in"},
						{Name: "subsysnqn", Type: "s", Direction: "in"},
						{Name: "log_pages", Type: "aa{ss}", Direction: "out"},
					}},
					{Name: "get_all_log_pages", Args: []introspect.Arg{
						{Name: "detailed", Type: "b", Direction: "in"},
						{Name: "log_pages_json", Type: "s", Direction: "out"},
					}},
				},
				Signals: []introspect.Signal{
					{Name: "log_pages_changed", Args: []introspect.Arg{
						{Name: "transport", Type: "s", Direction: "out"},
						{Name: "traddr", Type: "s", Direction: "out"},
						{Name: "trsvcid", Type: "s", Direction: "out"},
						{Name: "host_traddr", Type: "s", Direction: "out"},
						{Name: "host_iface", Type: "s", Direction: "out"},
						{Name: "subsysnqn", Type: "s", Direction: "out"},
						{Name: "device", Type: "s", Direction: "out"},
					}},
				},
			},
		},
	}
	if err := conn.Export(introspect.NewIntrospectable(node), ObjectPath, "org.freedesktop.DBus.Introspectable"); err != nil {
		conn.Close()
		return nil, err
	}

	klog.Infof("ipc: exported %s at %s on the system bus", busName, ObjectPath)
	return s, nil
}

// LogPagesChanged emits the log_pages_changed signal, called by the
// Finder whenever a discovery controller's DLPE cache changes.
func (s *Server) LogPagesChanged(transport, traddr, trsvcid, hostTraddr, hostIface, subsysNQN, device string) {
	err := s.conn.Emit(ObjectPath, s.name+".log_pages_changed",
		transport, traddr, trsvcid, hostTraddr, hostIface, subsysNQN, device)
	if err != nil {
		klog.Warningf("ipc: failed to emit log_pages_changed: %v", err)
	}
}

// SetTron pushes a tron change made through the daemon (its SetTron) to
// the exported property so D-Bus clients observe it.
func (s *Server) SetTron(v bool) {
	if s.props != nil {
		_ = s.props.Set(s.name+".debug", "tron", dbus.MakeVariant(v))
	}
}

// Close releases the bus name and closes the connection.
func (s *Server) Close() error {
	if s.conn == nil {
		return nil
	}
	_, _ = s.conn.ReleaseName(s.name)
	return s.conn.Close()
}

func errBusNameTaken(name string) error {
	return &dbusError{name: "org.nvmexpress.stas.NameTaken", msg: "bus name " + name + " already owned"}
}

// AllLogPagesEntry is one discovery controller's cached log pages, the
// shape get_all_log_pages(detailed=true) marshals per entry.
type AllLogPagesEntry struct {
	DiscoveryController ControllerSummary `json:"discovery-controller"`
	LogPages            []LogPage         `json:"log-pages"`
}

// Client is a D-Bus client for another daemon's Backend surface — used
// by stacd to pull stafd's cached discovery log pages, mirroring the
// cross-daemon hand-off original_source does by having stacd read
// stafd's published state rather than walking fabrics itself.
type Client struct {
	conn *dbus.Conn
	obj  dbus.BusObject
	name string
}

// NewClient connects to the system bus and binds to the named program's
// exported object ("stafd" for the Finder's surface).
func NewClient(program string) (*Client, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, err
	}
	busName := BaseName + program
	return &Client{conn: conn, obj: conn.Object(busName, ObjectPath), name: busName}, nil
}

// GetAllLogPages calls the peer's get_all_log_pages method and decodes
// its JSON reply.
func (c *Client) GetAllLogPages(ctx context.Context) ([]AllLogPagesEntry, error) {
	var raw string
	call := c.obj.CallWithContext(ctx, c.name+".get_all_log_pages", 0, true)
	if call.Err != nil {
		return nil, call.Err
	}
	if err := call.Store(&raw); err != nil {
		return nil, err
	}
	var out []AllLogPagesEntry
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("ipc: decoding get_all_log_pages reply: %w", err)
	}
	return out, nil
}

// Subscribe registers for the peer's log_pages_changed signal and
// invokes onChange for every signal received, until ctx is canceled.
func (c *Client) Subscribe(ctx context.Context, onChange func()) error {
	matchOpts := []dbus.MatchOption{
		dbus.WithMatchInterface(c.name),
		dbus.WithMatchMember("log_pages_changed"),
		dbus.WithMatchObjectPath(ObjectPath),
	}
	if err := c.conn.AddMatchSignal(matchOpts...); err != nil {
		return err
	}
	ch := make(chan *dbus.Signal, 16)
	c.conn.Signal(ch)
	go func() {
		for {
			select {
			case <-ctx.Done():
				c.conn.RemoveSignal(ch)
				return
			case sig, ok := <-ch:
				if !ok {
					return
				}
				if sig.Name == c.name+".log_pages_changed" {
					onChange()
				}
			}
		}
	}()
	return nil
}

// Close closes the underlying bus connection.
func (c *Client) Close() error { return c.conn.Close() }
