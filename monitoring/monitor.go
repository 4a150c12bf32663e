// Package monitoring turns a running adapter into a small web server so
// its credit pools, BAR mappings, and outstanding transactions can be
// inspected from outside the process.
package monitoring

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/openvmsim/pciebridge/adapter"
	"github.com/openvmsim/pciebridge/tlp"
)

// Monitor serves the observable state of one adapter.
type Monitor struct {
	ad         *adapter.Adapter
	portNumber int
}

// NewMonitor creates a new Monitor.
func NewMonitor() *Monitor {
	return &Monitor{}
}

// WithPortNumber sets the port number of the monitor.
func (m *Monitor) WithPortNumber(portNumber int) *Monitor {
	if portNumber < 1000 {
		fmt.Fprintf(os.Stderr,
			"Port number %d is assigned to the monitoring server, "+
				"which is not allowed. Using a random port instead.\n",
			portNumber)
		portNumber = 0
	}

	m.portNumber = portNumber

	return m
}

// RegisterAdapter registers the adapter to be monitored.
func (m *Monitor) RegisterAdapter(ad *adapter.Adapter) {
	m.ad = ad
}

// StartServer starts the monitor as a web server, on the configured
// port or a random one. It returns the bound port.
func (m *Monitor) StartServer() (int, error) {
	r := mux.NewRouter()
	r.HandleFunc("/api/credits", m.listCredits)
	r.HandleFunc("/api/bars", m.listBARs)
	r.HandleFunc("/api/outstanding", m.listOutstanding)

	actualPort := ":0"
	if m.portNumber > 1000 {
		actualPort = ":" + strconv.Itoa(m.portNumber)
	}

	listener, err := net.Listen("tcp", actualPort)
	if err != nil {
		return 0, err
	}

	port := listener.Addr().(*net.TCPAddr).Port
	fmt.Fprintf(os.Stderr,
		"Monitoring bridge with http://localhost:%d\n", port)

	go func() {
		server := &http.Server{Handler: r}
		_ = server.Serve(listener)
	}()

	return port, nil
}

type creditStatus struct {
	Class          string `json:"class"`
	HeaderFree     int    `json:"header_free"`
	DataFree       int    `json:"data_free"`
	DeferredCount  int    `json:"deferred"`
	InfiniteCredit bool   `json:"infinite"`
}

func (m *Monitor) listCredits(w http.ResponseWriter, _ *http.Request) {
	classes := []tlp.Class{tlp.Posted, tlp.NonPosted, tlp.Completion}

	var out []creditStatus
	for _, class := range classes {
		free := m.ad.Arbiter().Available(class)
		out = append(out, creditStatus{
			Class:          class.String(),
			HeaderFree:     free.Header,
			DataFree:       free.Data,
			DeferredCount:  m.ad.Arbiter().Pending(class),
			InfiniteCredit: free.Header < 0,
		})
	}

	m.writeJSON(w, out)
}

type barStatus struct {
	Index        int    `json:"index"`
	Base         string `json:"base"`
	Size         string `json:"size"`
	Kind         string `json:"kind"`
	Prefetchable bool   `json:"prefetchable"`
	Enabled      bool   `json:"enabled"`
}

func (m *Monitor) listBARs(w http.ResponseWriter, _ *http.Request) {
	var out []barStatus
	for _, d := range m.ad.Registry().Snapshot() {
		out = append(out, barStatus{
			Index:        d.Index,
			Base:         fmt.Sprintf("%#x", d.Base),
			Size:         fmt.Sprintf("%#x", d.Size),
			Kind:         d.Kind.String(),
			Prefetchable: d.Prefetchable,
			Enabled:      d.Enabled,
		})
	}

	m.writeJSON(w, out)
}

type handleStatus struct {
	ID        string `json:"id"`
	Kind      string `json:"kind"`
	Requester string `json:"requester"`
	Tag       int    `json:"tag"`
	State     string `json:"state"`
	Deadline  string `json:"deadline"`
}

func (m *Monitor) listOutstanding(w http.ResponseWriter, _ *http.Request) {
	var out []handleStatus
	for _, h := range m.ad.Table().Outstanding() {
		out = append(out, handleStatus{
			ID:        h.ID,
			Kind:      h.Kind.String(),
			Requester: h.Requester.String(),
			Tag:       int(h.Tag),
			State:     h.State().String(),
			Deadline:  h.Deadline.String(),
		})
	}

	m.writeJSON(w, out)
}

func (m *Monitor) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
