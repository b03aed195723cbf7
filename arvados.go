// Copyright (C) The Paradigm Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package paradigm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"git.arvados.org/arvados.git/lib/cmd"
	"git.arvados.org/arvados.git/sdk/go/arvados"
	"git.arvados.org/arvados.git/sdk/go/arvadosclient"
	"git.arvados.org/arvados.git/sdk/go/keepclient"
	"github.com/klauspost/pgzip"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/net/websocket"
	"golang.org/x/time/rate"
)

type eventMessage struct {
	Status     int
	ObjectUUID string `json:"object_uuid"`
	EventType  string `json:"event_type"`
	Properties struct {
		Text string
	}
}

var containerEventTypes = []string{"stderr", "crunch-run", "crunchstat", "update"}

// eventFilter is the websocket request that (un)subscribes to the
// events of one container.
func eventFilter(method, uuid string) map[string]interface{} {
	return map[string]interface{}{
		"method": method,
		"filters": [][]interface{}{
			{"object_uuid", "=", uuid},
			{"event_type", "in", containerEventTypes},
		},
	}
}

// arvadosClient multiplexes one websocket event stream over the
// containers of a run. Each dispatched job subscribes to its own
// container's events.
type arvadosClient struct {
	*arvados.Client
	notifying map[string]map[chan<- eventMessage]int
	wantClose chan struct{}
	wsconn    *websocket.Conn
	mtx       sync.Mutex
}

// Subscribe sends every event about uuid to ch until Unsubscribe is
// called as many times as Subscribe was.
func (client *arvadosClient) Subscribe(ch chan<- eventMessage, uuid string) {
	client.mtx.Lock()
	defer client.mtx.Unlock()
	if client.notifying == nil {
		client.notifying = map[string]map[chan<- eventMessage]int{}
		client.wantClose = make(chan struct{})
		go client.runNotifier()
	}
	chmap := client.notifying[uuid]
	if chmap == nil {
		chmap = map[chan<- eventMessage]int{}
		client.notifying[uuid] = chmap
	}
	first := len(chmap) == 0
	chmap[ch]++
	if first {
		client.send(eventFilter("subscribe", uuid))
	}
}

func (client *arvadosClient) Unsubscribe(ch chan<- eventMessage, uuid string) {
	client.mtx.Lock()
	defer client.mtx.Unlock()
	chmap := client.notifying[uuid]
	n := chmap[ch] - 1
	if n > 0 {
		chmap[ch] = n
		return
	}
	delete(chmap, ch)
	if len(chmap) == 0 {
		delete(client.notifying, uuid)
		client.send(eventFilter("unsubscribe", uuid))
	}
}

// send writes msg to the current connection, if any. Caller must
// hold mtx.
func (client *arvadosClient) send(msg interface{}) {
	if conn := client.wsconn; conn != nil {
		go json.NewEncoder(conn).Encode(msg)
	}
}

func (client *arvadosClient) Close() {
	client.mtx.Lock()
	defer client.mtx.Unlock()
	if client.notifying != nil {
		client.notifying = nil
		close(client.wantClose)
	}
}

func (client *arvadosClient) dial() (*websocket.Conn, error) {
	var cluster arvados.Cluster
	err := client.RequestAndDecode(&cluster, "GET", arvados.EndpointConfigGet.Path, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("error getting cluster config: %w", err)
	}
	wsURL := cluster.Services.Websocket.ExternalURL
	wsURL.Scheme = strings.Replace(wsURL.Scheme, "http", "ws", 1)
	wsURL.Path = "/websocket"
	wsURLNoToken := wsURL.String()
	wsURL.RawQuery = url.Values{"api_token": []string{client.AuthToken}}.Encode()
	conn, err := websocket.Dial(wsURL.String(), "", cluster.Services.Controller.ExternalURL.String())
	if err != nil {
		return nil, fmt.Errorf("websocket connection error: %w", err)
	}
	log.Debugf("connected to websocket at %s", wsURLNoToken)
	return conn, nil
}

func (client *arvadosClient) runNotifier() {
	for {
		conn, err := client.dial()
		if err != nil {
			log.Warn(err)
			select {
			case <-client.wantClose:
				return
			case <-time.After(5 * time.Second):
			}
			continue
		}
		client.mtx.Lock()
		client.wsconn = conn
		for uuid := range client.notifying {
			client.send(eventFilter("subscribe", uuid))
		}
		client.mtx.Unlock()

		r := json.NewDecoder(conn)
		for {
			var msg eventMessage
			err := r.Decode(&msg)
			select {
			case <-client.wantClose:
				conn.Close()
				return
			default:
			}
			if err != nil {
				log.Debugf("error decoding websocket message: %s", err)
				client.mtx.Lock()
				client.wsconn = nil
				client.mtx.Unlock()
				go conn.Close()
				break
			}
			client.mtx.Lock()
			for ch := range client.notifying[msg.ObjectUUID] {
				go func() { ch <- msg }()
			}
			client.mtx.Unlock()
		}
	}
}

var crunchstatRSS = regexp.MustCompile(`mem .* (\d+) rss`)

// containerLog follows the stderr and crunchstat logs of one
// container through the container request log endpoint.
type containerLog struct {
	client  *arvados.Client
	name    string
	crUUID  string
	ctrUUID string
	offset  map[string]int64
}

func (cl *containerLog) reset(ctrUUID string) {
	cl.ctrUUID = ctrUUID
	cl.offset = map[string]int64{}
}

// poll logs any new lines and reports whether there were some.
func (cl *containerLog) poll() bool {
	if cl.ctrUUID == "" {
		return false
	}
	got := false
	for _, fnm := range []string{"stderr.txt", "crunchstat.txt"} {
		lines, err := cl.fetch(fnm)
		if err != nil {
			log.Errorf("%s: error getting log data: %s", cl.name, err)
			continue
		}
		for _, line := range lines {
			got = true
			if fnm == "stderr.txt" {
				log.Infof("%s: %s", cl.name, line)
			} else if m := crunchstatRSS.FindStringSubmatch(line); m != nil {
				rss, _ := strconv.ParseInt(m[1], 10, 64)
				log.Debugf("%s: rss %.3f GB", cl.name, float64(rss)/1e9)
			}
		}
	}
	return got
}

// fetch returns the complete lines of fnm past the last offset.
func (cl *containerLog) fetch(fnm string) ([]string, error) {
	req, err := http.NewRequest("GET", "https://"+cl.client.APIHost+"/arvados/v1/container_requests/"+cl.crUUID+"/log/"+cl.ctrUUID+"/"+fnm, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-", cl.offset[fnm]))
	resp, err := cl.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if (resp.StatusCode == http.StatusNotFound && cl.offset[fnm] == 0) ||
		(resp.StatusCode == http.StatusRequestedRangeNotSatisfiable && cl.offset[fnm] > 0) {
		return nil, nil
	} else if resp.StatusCode >= 300 {
		return nil, errors.New(resp.Status)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var lines []string
	for {
		eol := bytes.IndexByte(data, '\n')
		if eol < 0 {
			break
		}
		cl.offset[fnm] += int64(eol + 1)
		if eol > 0 {
			lines = append(lines, string(data[:eol]))
		}
		data = data[eol+1:]
	}
	return lines, nil
}

type arvadosContainerRunner struct {
	Client      *arvados.Client
	Name        string
	OutputName  string
	ProjectUUID string
	APIAccess   bool
	VCPUs       int
	RAM         int64
	Prog        string // if empty, run /proc/self/exe
	Args        []string
	Mounts      map[string]map[string]interface{}
	Priority    int
	KeepCache   int // cache buffers per VCPU (0 for default)
	Preemptible bool
	Image       string // default "paradigm-runtime"
	Cwd         string // working directory inside the container
	// Stdout, if not empty, is a file under /mnt/output that
	// receives the container's standard output.
	Stdout string
}

func (runner *arvadosContainerRunner) Run() (string, error) {
	return runner.RunContext(context.Background())
}

func (runner *arvadosContainerRunner) RunContext(ctx context.Context) (string, error) {
	if runner.ProjectUUID == "" {
		return "", errors.New("cannot run arvados container: ProjectUUID not provided")
	}

	mounts := map[string]map[string]interface{}{
		"/mnt/output": {
			"kind":     "collection",
			"writable": true,
		},
	}
	for target, mnt := range runner.Mounts {
		mounts[target] = mnt
	}

	prog := runner.Prog
	if prog == "" {
		prog = "/mnt/cmd/paradigm"
		cmdUUID, err := runner.makeCommandCollection()
		if err != nil {
			return "", err
		}
		mounts["/mnt/cmd"] = map[string]interface{}{
			"kind": "collection",
			"uuid": cmdUUID,
		}
	}
	command := append([]string{prog}, runner.Args...)
	if runner.Stdout != "" {
		mounts["stdout"] = map[string]interface{}{
			"kind": "file",
			"path": runner.Stdout,
		}
	}
	image := runner.Image
	if image == "" {
		image = "paradigm-runtime"
	}
	cwd := runner.Cwd
	if cwd == "" {
		cwd = "/mnt/output"
	}

	priority := runner.Priority
	if priority < 1 {
		priority = 500
	}
	keepCache := runner.KeepCache
	if keepCache < 1 {
		keepCache = 2
	}
	rc := arvados.RuntimeConstraints{
		API:          runner.APIAccess,
		VCPUs:        runner.VCPUs,
		RAM:          runner.RAM,
		KeepCacheRAM: (1 << 26) * int64(keepCache) * int64(runner.VCPUs),
	}
	outname := &runner.OutputName
	if *outname == "" {
		outname = nil
	}
	var cr arvados.ContainerRequest
	err := runner.Client.RequestAndDecode(&cr, "POST", "arvados/v1/container_requests", nil, map[string]interface{}{
		"container_request": map[string]interface{}{
			"owner_uuid":          runner.ProjectUUID,
			"name":                runner.Name,
			"container_image":     image,
			"cwd":                 cwd,
			"command":             command,
			"mounts":              mounts,
			"use_existing":        true,
			"output_path":         "/mnt/output",
			"output_name":         outname,
			"runtime_constraints": rc,
			"priority":            priority,
			"state":               arvados.ContainerRequestStateCommitted,
			"scheduling_parameters": arvados.SchedulingParameters{
				Preemptible: runner.Preemptible,
				Partitions:  []string{},
			},
			"environment": map[string]string{
				"GOMAXPROCS": fmt.Sprintf("%d", rc.VCPUs),
			},
			"container_count_max": 1,
		},
	})
	if err != nil {
		return "", err
	}
	log.Debugf("%s: container request %s, container %s", runner.Name, cr.UUID, cr.ContainerUUID)

	logch := make(chan eventMessage)
	client := arvadosClient{Client: runner.Client}
	defer client.Close()
	subscribedUUID := ""
	defer func() {
		if subscribedUUID != "" {
			client.Unsubscribe(logch, subscribedUUID)
		}
	}()
	ctrLog := &containerLog{client: runner.Client, name: runner.Name, crUUID: cr.UUID}

	lastState := cr.State
	refreshCR := func() {
		ctx, cancel := context.WithDeadline(ctx, time.Now().Add(time.Minute))
		defer cancel()
		err := runner.Client.RequestAndDecodeContext(ctx, &cr, "GET", "arvados/v1/container_requests/"+cr.UUID, nil, nil)
		if err != nil {
			log.Printf("%s: error getting container request: %s", runner.Name, err)
			return
		}
		if lastState != cr.State {
			log.Debugf("%s: container request state: %s", runner.Name, cr.State)
			lastState = cr.State
		}
		if cr.ContainerUUID != "" && subscribedUUID != cr.ContainerUUID {
			if subscribedUUID != "" {
				client.Unsubscribe(logch, subscribedUUID)
			}
			client.Subscribe(logch, cr.ContainerUUID)
			subscribedUUID = cr.ContainerUUID
			ctrLog.reset(cr.ContainerUUID)
		}
	}

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	logWaitMax := time.Second * 10
	logWaitMin := time.Second
	logWait := logWaitMin
	logWaitDone := time.After(logWait)
waitctr:
	for cr.State != arvados.ContainerRequestStateFinal {
		select {
		case <-ctx.Done():
			err := runner.Client.RequestAndDecode(&cr, "PATCH", "arvados/v1/container_requests/"+cr.UUID, nil, map[string]interface{}{
				"container_request": map[string]interface{}{
					"priority": 0,
				},
			})
			if err != nil {
				log.Errorf("error while trying to cancel container request %s: %s", cr.UUID, err)
			}
			break waitctr
		case <-ticker.C:
			refreshCR()
		case msg := <-logch:
			if msg.EventType == "update" {
				refreshCR()
			}
		case <-logWaitDone:
			if ctrLog.poll() {
				logWait = logWaitMin
			} else {
				logWait = min(logWait*2, logWaitMax)
			}
			logWaitDone = time.After(logWait)
		}
	}

	if err := ctx.Err(); err != nil {
		return "", err
	}

	var c arvados.Container
	err = runner.Client.RequestAndDecode(&c, "GET", "arvados/v1/containers/"+cr.ContainerUUID, nil, nil)
	if err != nil {
		return "", err
	} else if c.State != arvados.ContainerStateComplete {
		return "", fmt.Errorf("container did not complete: %s", c.State)
	} else if c.ExitCode != 0 {
		return "", fmt.Errorf("container exited %d", c.ExitCode)
	}
	return cr.OutputUUID, err
}

var collectionInPathRe = regexp.MustCompile(`^(.*/)?([0-9a-f]{32}\+[0-9]+|[0-9a-z]{5}-[0-9a-z]{5}-[0-9a-z]{15})(/.*)?$`)

func (runner *arvadosContainerRunner) TranslatePaths(paths ...*string) error {
	if runner.Mounts == nil {
		runner.Mounts = make(map[string]map[string]interface{})
	}
	for _, path := range paths {
		if *path == "" || *path == "-" {
			continue
		}
		m := collectionInPathRe.FindStringSubmatch(*path)
		if m == nil {
			return fmt.Errorf("cannot find uuid in path: %q", *path)
		}
		collID := m[2]
		mnt, ok := runner.Mounts["/mnt/"+collID]
		if !ok {
			mnt = map[string]interface{}{
				"kind": "collection",
			}
			if len(collID) == 27 {
				mnt["uuid"] = collID
			} else {
				mnt["portable_data_hash"] = collID
			}
			runner.Mounts["/mnt/"+collID] = mnt
		}
		*path = "/mnt/" + collID + m[3]
	}
	return nil
}

var mtxMakeCommandCollection sync.Mutex

func (runner *arvadosContainerRunner) makeCommandCollection() (string, error) {
	mtxMakeCommandCollection.Lock()
	defer mtxMakeCommandCollection.Unlock()
	exe, err := os.ReadFile("/proc/self/exe")
	if err != nil {
		return "", err
	}
	b2 := blake2b.Sum256(exe)
	cname := "paradigm " + cmd.Version.String()
	var existing arvados.CollectionList
	err = runner.Client.RequestAndDecode(&existing, "GET", "arvados/v1/collections", nil, arvados.ListOptions{
		Limit: 1,
		Count: "none",
		Filters: []arvados.Filter{
			{Attr: "name", Operator: "=", Operand: cname},
			{Attr: "owner_uuid", Operator: "=", Operand: runner.ProjectUUID},
			{Attr: "properties.blake2b", Operator: "=", Operand: fmt.Sprintf("%x", b2)},
		},
	})
	if err != nil {
		return "", err
	}
	if len(existing.Items) > 0 {
		coll := existing.Items[0]
		log.Printf("using paradigm binary in existing collection %s (name is %q, hash is %q; did not verify whether content matches)", coll.UUID, cname, coll.Properties["blake2b"])
		return coll.UUID, nil
	}
	log.Printf("writing paradigm binary to new collection %q", cname)
	ac, err := arvadosclient.New(runner.Client)
	if err != nil {
		return "", err
	}
	kc := keepclient.New(ac)
	var coll arvados.Collection
	fs, err := coll.FileSystem(runner.Client, kc)
	if err != nil {
		return "", err
	}
	f, err := fs.OpenFile("paradigm", os.O_CREATE|os.O_WRONLY, 0777)
	if err != nil {
		return "", err
	}
	_, err = f.Write(exe)
	if err != nil {
		return "", err
	}
	err = f.Close()
	if err != nil {
		return "", err
	}
	mtxt, err := fs.MarshalManifest(".")
	if err != nil {
		return "", err
	}
	err = runner.Client.RequestAndDecode(&coll, "POST", "arvados/v1/collections", nil, map[string]interface{}{
		"collection": map[string]interface{}{
			"owner_uuid":    runner.ProjectUUID,
			"manifest_text": mtxt,
			"name":          cname,
			"properties": map[string]interface{}{
				"blake2b": fmt.Sprintf("%x", b2),
			},
		},
	})
	if err != nil {
		return "", err
	}
	log.Printf("stored paradigm binary in new collection %s", coll.UUID)
	return coll.UUID, nil
}

// zopen returns a reader for the given file, using the arvados API
// instead of arv-mount/fuse where applicable, and transparently
// decompressing the input if fnm ends with ".gz".
func zopen(fnm string) (io.ReadCloser, error) {
	f, err := open(fnm)
	if err != nil || !strings.HasSuffix(fnm, ".gz") {
		return f, err
	}
	rdr, err := pgzip.NewReader(bufio.NewReaderSize(f, 4*1024*1024))
	if err != nil {
		f.Close()
		return nil, err
	}
	return gzipr{rdr, f}, nil
}

// gzipr wraps a ReadCloser and a Closer, presenting a single Close()
// method that closes both wrapped objects.
type gzipr struct {
	io.ReadCloser
	io.Closer
}

func (gr gzipr) Close() error {
	e1 := gr.ReadCloser.Close()
	e2 := gr.Closer.Close()
	if e1 != nil {
		return e1
	}
	return e2
}

var (
	arvadosClientFromEnv = arvados.NewClientFromEnv()
	keepClient           *keepclient.KeepClient
	siteFS               arvados.CustomFileSystem
	siteFSMtx            sync.Mutex
)

type file interface {
	io.ReadCloser
	io.Seeker
	Readdir(n int) ([]os.FileInfo, error)
}

func open(fnm string) (file, error) {
	if os.Getenv("ARVADOS_API_HOST") == "" {
		return os.Open(fnm)
	}
	m := collectionInPathRe.FindStringSubmatch(fnm)
	if m == nil {
		return os.Open(fnm)
	}
	collectionUUID := m[2]
	collectionPath := m[3]

	siteFSMtx.Lock()
	defer siteFSMtx.Unlock()
	if siteFS == nil {
		log.Info("setting up Arvados client")
		ac, err := arvadosclient.New(arvadosClientFromEnv)
		if err != nil {
			return nil, err
		}
		ac.Client = arvados.DefaultSecureClient
		keepClient = keepclient.New(ac)
		// Don't use keepclient's default short timeouts.
		keepClient.HTTPClient = arvados.DefaultSecureClient
		keepClient.BlockCache = &keepclient.BlockCache{MaxBlocks: 4}
		siteFS = arvadosClientFromEnv.SiteFileSystem(keepClient)
	} else {
		keepClient.BlockCache.MaxBlocks += 2
	}

	log.Infof("reading %q from %s using Arvados client", collectionPath, collectionUUID)
	f, err := siteFS.Open("by_id/" + collectionUUID + collectionPath)
	if err != nil {
		return nil, err
	}
	return &reduceCacheOnClose{file: f}, nil
}

type reduceCacheOnClose struct {
	file
	once sync.Once
}

func (rc *reduceCacheOnClose) Close() error {
	rc.once.Do(func() { keepClient.BlockCache.MaxBlocks -= 2 })
	return rc.file.Close()
}

// arvadosDispatcher runs each invocation in its own Arvados
// container. The run root must be inside a collection (or an
// arv-mount path that names one); outputs are written to the
// container's output collection and copied back into the run state.
type arvadosDispatcher struct {
	Client  *arvados.Client
	Config  ArvadosConfig
	RunID   string
	Root    string
	State   RunState
	limiter *rate.Limiter
	setup   sync.Once
}

func (d *arvadosDispatcher) Dispatch(ctx context.Context, inv Invocation) Outcome {
	d.setup.Do(func() {
		perSecond := d.Config.SubmitRate
		if perSecond <= 0 {
			perSecond = 1
		}
		d.limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
	})
	if err := d.limiter.Wait(ctx); err != nil {
		return Outcome{Err: err}
	}
	root := d.Root
	runner := arvadosContainerRunner{
		Name:        fmt.Sprintf("paradigm %s %s", d.RunID, path.Base(inv.Outputs[0])),
		Client:      d.Client,
		ProjectUUID: d.Config.Project,
		VCPUs:       d.Config.VCPUs,
		RAM:         d.Config.RAM,
		Priority:    d.Config.Priority,
		Preemptible: d.Config.Preemptible,
		Image:       d.Config.Image,
		Prog:        inv.Executable,
	}
	err := runner.TranslatePaths(&root)
	if err != nil {
		return Outcome{Err: err}
	}
	runner.Cwd = path.Join(root, inv.Dir)
	outputs := map[string]bool{}
	for _, o := range inv.Outputs {
		outputs[o] = true
	}
	for _, arg := range inv.Args {
		if outputs[arg] {
			arg = "/mnt/output/" + path.Base(arg)
		}
		runner.Args = append(runner.Args, arg)
	}
	if inv.Stdout != "" {
		runner.Stdout = "/mnt/output/" + path.Base(inv.Stdout)
	}
	outputUUID, err := runner.RunContext(ctx)
	if err != nil {
		return Outcome{Err: err}
	}
	for _, o := range inv.Outputs {
		err = d.fetch(outputUUID+"/"+path.Base(o), o)
		if err != nil {
			return Outcome{Err: err}
		}
	}
	return Outcome{}
}

func (d *arvadosDispatcher) fetch(src, key string) error {
	f, err := open(src)
	if err != nil {
		return err
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return fmt.Errorf("%s: %w", src, err)
	}
	return d.State.AtomicWrite(key, data)
}
