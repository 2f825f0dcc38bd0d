package onprem

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"
)

// fakeCT is a container held by the fake hypervisor.
type fakeCT struct {
	node   string
	params url.Values
	status string
}

// fakePVE mocks the parts of the Proxmox VE API the adapter uses.
type fakePVE struct {
	server *httptest.Server
	mux    *http.ServeMux

	mu         sync.Mutex
	containers map[int]*fakeCT
	tasks      map[string]string
	nextID     int
	calls      map[string]int
	authHeader string

	// failTask is the exit status of the next task, when set.
	failTask string
	// failNext answers the next request of an operation with a status and message.
	failNext map[string]fakeFailure
}

type fakeFailure struct {
	status  int
	message string
	times   int
}

func newFakePVE(t *testing.T) *fakePVE {
	t.Helper()
	f := &fakePVE{
		mux:        http.NewServeMux(),
		containers: make(map[int]*fakeCT),
		tasks:      make(map[string]string),
		nextID:     100,
		calls:      make(map[string]int),
		failNext:   make(map[string]fakeFailure),
	}
	f.routes()
	f.server = httptest.NewServer(f.mux)
	t.Cleanup(f.server.Close)
	return f
}

// jsonResponse writes a JSON response with the given status code and body.
func jsonResponse(w http.ResponseWriter, statusCode int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(body)
}

func data(w http.ResponseWriter, v interface{}) {
	jsonResponse(w, http.StatusOK, map[string]interface{}{"data": v})
}

// handle registers a handler that counts calls and injects failures.
func (f *fakePVE) handle(op, pattern string, h func(w http.ResponseWriter, r *http.Request)) {
	f.mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.calls[op]++
		f.authHeader = r.Header.Get("Authorization")
		if fail, ok := f.failNext[op]; ok {
			fail.times--
			if fail.times <= 0 {
				delete(f.failNext, op)
			} else {
				f.failNext[op] = fail
			}
			jsonResponse(w, fail.status, map[string]interface{}{"data": nil, "message": fail.message})
			return
		}
		h(w, r)
	})
}

func (f *fakePVE) count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *fakePVE) fail(op string, status int, message string, times int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failNext[op] = fakeFailure{status: status, message: message, times: times}
}

func (f *fakePVE) container(vmid int) *fakeCT {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.containers[vmid]
}

// task records a finished task and returns its UPID.
func (f *fakePVE) task(node, kind string, vmid int) string {
	upid := fmt.Sprintf("UPID:%s:00001234:0000ABCD:65000000:%s:%d:root@pam:", node, kind, vmid)
	exit := "OK"
	if f.failTask != "" {
		exit = f.failTask
		f.failTask = ""
	}
	f.tasks[upid] = exit
	return upid
}

// lookup resolves the {node}/{vmid} path values, answering like Proxmox
// when the container does not exist.
func (f *fakePVE) lookup(w http.ResponseWriter, r *http.Request) (int, *fakeCT, bool) {
	vmid, _ := strconv.Atoi(r.PathValue("vmid"))
	ct, ok := f.containers[vmid]
	if !ok || ct.node != r.PathValue("node") {
		jsonResponse(w, http.StatusInternalServerError, map[string]interface{}{
			"data":    nil,
			"message": fmt.Sprintf("Configuration file 'nodes/%s/lxc/%d.conf' does not exist", r.PathValue("node"), vmid),
		})
		return 0, nil, false
	}
	return vmid, ct, true
}

func (f *fakePVE) routes() {
	const base = "/api2/json"

	f.handle("nextid", "GET "+base+"/cluster/nextid", func(w http.ResponseWriter, r *http.Request) {
		for f.containers[f.nextID] != nil {
			f.nextID++
		}
		data(w, strconv.Itoa(f.nextID))
	})

	f.handle("list", "GET "+base+"/nodes/{node}/lxc", func(w http.ResponseWriter, r *http.Request) {
		out := []map[string]interface{}{}
		for vmid, ct := range f.containers {
			if ct.node != r.PathValue("node") {
				continue
			}
			out = append(out, map[string]interface{}{
				"vmid": vmid, "name": ct.params.Get("hostname"), "status": ct.status, "tags": ct.params.Get("tags"),
			})
		}
		data(w, out)
	})

	f.handle("create", "POST "+base+"/nodes/{node}/lxc", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			jsonResponse(w, http.StatusBadRequest, map[string]interface{}{"data": nil, "errors": map[string]string{"form": err.Error()}})
			return
		}
		vmid, err := strconv.Atoi(r.PostForm.Get("vmid"))
		if err != nil {
			jsonResponse(w, http.StatusBadRequest, map[string]interface{}{"data": nil, "errors": map[string]string{"vmid": "invalid"}})
			return
		}
		if _, exists := f.containers[vmid]; exists {
			jsonResponse(w, http.StatusInternalServerError, map[string]interface{}{
				"data": nil, "message": fmt.Sprintf("CT %d already exists on node '%s'", vmid, r.PathValue("node")),
			})
			return
		}
		upid := f.task(r.PathValue("node"), "vzcreate", vmid)
		if f.tasks[upid] == "OK" {
			f.containers[vmid] = &fakeCT{node: r.PathValue("node"), params: r.PostForm, status: "stopped"}
		}
		data(w, upid)
	})

	f.handle("status", "GET "+base+"/nodes/{node}/lxc/{vmid}/status/current", func(w http.ResponseWriter, r *http.Request) {
		vmid, ct, ok := f.lookup(w, r)
		if !ok {
			return
		}
		data(w, map[string]interface{}{"vmid": vmid, "name": ct.params.Get("hostname"), "status": ct.status})
	})

	f.handle("config", "GET "+base+"/nodes/{node}/lxc/{vmid}/config", func(w http.ResponseWriter, r *http.Request) {
		_, ct, ok := f.lookup(w, r)
		if !ok {
			return
		}
		data(w, map[string]interface{}{
			"hostname": ct.params.Get("hostname"),
			"net0":     ct.params.Get("net0"),
			"tags":     ct.params.Get("tags"),
			"cores":    ct.params.Get("cores"),
			"memory":   ct.params.Get("memory"),
			"rootfs":   ct.params.Get("rootfs"),
		})
	})

	f.handle("start", "POST "+base+"/nodes/{node}/lxc/{vmid}/status/start", func(w http.ResponseWriter, r *http.Request) {
		vmid, ct, ok := f.lookup(w, r)
		if !ok {
			return
		}
		upid := f.task(ct.node, "vzstart", vmid)
		if f.tasks[upid] == "OK" {
			ct.status = "running"
		}
		data(w, upid)
	})

	f.handle("stop", "POST "+base+"/nodes/{node}/lxc/{vmid}/status/stop", func(w http.ResponseWriter, r *http.Request) {
		vmid, ct, ok := f.lookup(w, r)
		if !ok {
			return
		}
		ct.status = "stopped"
		data(w, f.task(ct.node, "vzstop", vmid))
	})

	f.handle("delete", "DELETE "+base+"/nodes/{node}/lxc/{vmid}", func(w http.ResponseWriter, r *http.Request) {
		vmid, ct, ok := f.lookup(w, r)
		if !ok {
			return
		}
		if ct.status == "running" {
			jsonResponse(w, http.StatusInternalServerError, map[string]interface{}{"data": nil, "message": fmt.Sprintf("CT %d is running - unable to destroy", vmid)})
			return
		}
		if r.URL.Query().Get("purge") != "1" {
			jsonResponse(w, http.StatusBadRequest, map[string]interface{}{"data": nil, "errors": map[string]string{"purge": "expected"}})
			return
		}
		delete(f.containers, vmid)
		data(w, f.task(ct.node, "vzdestroy", vmid))
	})

	f.handle("task", "GET "+base+"/nodes/{node}/tasks/{upid}/status", func(w http.ResponseWriter, r *http.Request) {
		exit, ok := f.tasks[r.PathValue("upid")]
		if !ok {
			jsonResponse(w, http.StatusInternalServerError, map[string]interface{}{"data": nil, "message": "no such task"})
			return
		}
		data(w, map[string]interface{}{"status": "stopped", "exitstatus": exit})
	})
}
