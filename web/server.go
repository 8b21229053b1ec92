package web

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/lanternfs/lantern/client"
	"github.com/lanternfs/lantern/discovery"
	"github.com/lanternfs/lantern/server"
)

// Server implements the local control API: the surface a dashboard or
// script uses to see peers, approve uploads and trigger transfers. It
// is meant to listen on loopback; it exposes no authentication, like
// the rest of the protocol.
type Server struct {
	logger     *log.Logger
	listenAddr string

	disc  *discovery.Discovery
	files *server.FileServer
	cl    *client.Client

	// popped holds upload requests handed out via /uploads/next until
	// they are decided.
	mu     sync.Mutex
	popped map[string]*server.UploadRequest
}

// NewServer creates *Server
func NewServer(logger *log.Logger, listenAddr string, disc *discovery.Discovery, files *server.FileServer, cl *client.Client) *Server {
	return &Server{
		logger:     logger,
		listenAddr: listenAddr,
		disc:       disc,
		files:      files,
		cl:         cl,
		popped:     make(map[string]*server.UploadRequest),
	}
}

func (s *Server) handler(ctx *fasthttp.RequestCtx) {
	switch string(ctx.Path()) {
	case "/peers":
		s.peersHandler(ctx)
	case "/files":
		s.filesHandler(ctx)
	case "/uploads/next":
		s.uploadsNextHandler(ctx)
	case "/uploads/accept":
		s.uploadsDecideHandler(ctx, true)
	case "/uploads/reject":
		s.uploadsDecideHandler(ctx, false)
	case "/remote/files":
		s.remoteFilesHandler(ctx)
	case "/remote/download":
		s.remoteDownloadHandler(ctx)
	case "/remote/upload":
		s.remoteUploadHandler(ctx)
	case "/remote/delete":
		s.remoteDeleteHandler(ctx)
	default:
		ctx.WriteString("Lantern control API")
	}
}

func (s *Server) peersHandler(ctx *fasthttp.RequestCtx) {
	json.NewEncoder(ctx).Encode(s.disc.ActivePeers())
}

func (s *Server) filesHandler(ctx *fasthttp.RequestCtx) {
	files, err := server.ListSharedFiles(s.files.SharedDir())
	if err != nil {
		ctx.SetStatusCode(fasthttp.StatusInternalServerError)
		ctx.WriteString(err.Error())
		return
	}

	json.NewEncoder(ctx).Encode(files)
}

// uploadsNextHandler pops one pending upload request, if any. The
// caller must follow up with /uploads/accept or /uploads/reject; until
// then the sending peer stays blocked (bounded by its own timeout).
func (s *Server) uploadsNextHandler(ctx *fasthttp.RequestCtx) {
	select {
	case req := <-s.files.PendingUploads():
		s.mu.Lock()
		s.popped[req.ID] = req
		s.mu.Unlock()

		// The handler waiting on this request gives up after the
		// confirmation timeout, counted from before the pop. One more
		// full timeout after the pop it is certainly gone, and an
		// undecided entry would otherwise stay in the map forever.
		time.AfterFunc(s.files.ConfirmTimeout(), func() {
			s.mu.Lock()
			delete(s.popped, req.ID)
			s.mu.Unlock()
		})

		json.NewEncoder(ctx).Encode(req)
	default:
		ctx.SetStatusCode(fasthttp.StatusNoContent)
	}
}

func (s *Server) uploadsDecideHandler(ctx *fasthttp.RequestCtx, accept bool) {
	id := string(ctx.QueryArgs().Peek("id"))
	if id == "" {
		ctx.SetStatusCode(fasthttp.StatusBadRequest)
		ctx.WriteString("bad `id` GET param: the upload request id must be provided")
		return
	}

	s.mu.Lock()
	req, ok := s.popped[id]
	delete(s.popped, id)
	s.mu.Unlock()

	if !ok {
		ctx.SetStatusCode(fasthttp.StatusNotFound)
		ctx.WriteString("no pending upload request with that id")
		return
	}

	if accept {
		req.Accept()
	} else {
		req.Reject()
	}

	ctx.WriteString("OK")
}

func (s *Server) remoteFilesHandler(ctx *fasthttp.RequestCtx) {
	addr := string(ctx.QueryArgs().Peek("addr"))
	if addr == "" {
		ctx.SetStatusCode(fasthttp.StatusBadRequest)
		ctx.WriteString("bad `addr` GET param: the peer address must be provided")
		return
	}

	files, err := s.cl.ListFiles(ctx, addr)
	if err != nil {
		ctx.SetStatusCode(fasthttp.StatusBadGateway)
		ctx.WriteString(err.Error())
		return
	}

	if files == nil {
		files = []client.RemoteFile{}
	}

	json.NewEncoder(ctx).Encode(files)
}

type downloadResult struct {
	Dest  string `json:"dest"`
	Bytes int64  `json:"bytes"`
}

func (s *Server) remoteDownloadHandler(ctx *fasthttp.RequestCtx) {
	addr := string(ctx.QueryArgs().Peek("addr"))
	file := string(ctx.QueryArgs().Peek("file"))
	if addr == "" || file == "" {
		ctx.SetStatusCode(fasthttp.StatusBadRequest)
		ctx.WriteString("bad GET params: both `addr` and `file` must be provided")
		return
	}

	dest, received, err := s.cl.Download(ctx, addr, file, nil)
	if err != nil {
		s.logger.Printf("Download of %q from %s failed: %v", file, addr, err)
		ctx.SetStatusCode(fasthttp.StatusBadGateway)
		ctx.WriteString(err.Error())
		return
	}

	json.NewEncoder(ctx).Encode(downloadResult{Dest: dest, Bytes: received})
}

func (s *Server) remoteUploadHandler(ctx *fasthttp.RequestCtx) {
	addr := string(ctx.QueryArgs().Peek("addr"))
	path := string(ctx.QueryArgs().Peek("path"))
	if addr == "" || path == "" {
		ctx.SetStatusCode(fasthttp.StatusBadRequest)
		ctx.WriteString("bad GET params: both `addr` and `path` must be provided")
		return
	}

	confirmed, _ := ctx.QueryArgs().GetUint("confirm")

	var msg string
	var err error
	if confirmed == 1 {
		msg, err = s.cl.RequestUpload(ctx, addr, path)
	} else {
		msg, err = s.cl.Upload(ctx, addr, path)
	}

	if err != nil {
		ctx.SetStatusCode(fasthttp.StatusBadGateway)
		ctx.WriteString(err.Error())
		return
	}

	ctx.WriteString(msg)
}

func (s *Server) remoteDeleteHandler(ctx *fasthttp.RequestCtx) {
	addr := string(ctx.QueryArgs().Peek("addr"))
	file := string(ctx.QueryArgs().Peek("file"))
	if addr == "" || file == "" {
		ctx.SetStatusCode(fasthttp.StatusBadRequest)
		ctx.WriteString("bad GET params: both `addr` and `file` must be provided")
		return
	}

	msg, err := s.cl.Delete(ctx, addr, file)
	if err != nil {
		ctx.SetStatusCode(fasthttp.StatusBadGateway)
		ctx.WriteString(err.Error())
		return
	}

	ctx.WriteString(msg)
}

// Serve listens to HTTP connections
func (s *Server) Serve() error {
	return fasthttp.ListenAndServe(s.listenAddr, s.handler)
}
