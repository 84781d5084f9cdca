package apiapp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/Bruce-k901/My-App-sub012/internal/approver"
	"github.com/Bruce-k901/My-App-sub012/internal/middleware"
	"github.com/Bruce-k901/My-App-sub012/internal/sheet"
	"github.com/Bruce-k901/My-App-sub012/internal/stockcount"
	"github.com/Bruce-k901/My-App-sub012/internal/store"
	"github.com/Bruce-k901/My-App-sub012/internal/variance"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

const (
	maxSheetUploadBytes = 10 << 20
	xlsxContentType     = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

type Config struct {
	Addr   string
	DBPath string
	// Libraries is the section rank order; empty means the default order.
	Libraries         []string
	CommitConcurrency int
	AdvanceFocus      bool
	RefreshAfterSave  bool
	AllowSelfApproval bool
	BreakerCooldown   time.Duration
	// Remote is an optional server-side approver resolver.
	Remote approver.Remote
	Logger *zap.Logger
}

type createCountRequest struct {
	CompanyID string `json:"company_id"`
	SiteID    string `json:"site_id"`
	Name      string `json:"name"`
}

type setValueRequest struct {
	Value string `json:"value"`
}

type readyRequest struct {
	ReadyBy string `json:"ready_by"`
}

type itemView struct {
	ID              string          `json:"id"`
	Library         string          `json:"library"`
	Section         string          `json:"section"`
	Name            string          `json:"name"`
	Unit            string          `json:"unit"`
	Expected        *float64        `json:"expected"`
	UnitCost        *string         `json:"unit_cost"`
	CountedQuantity *float64        `json:"counted_quantity"`
	Value           string          `json:"value"`
	Pending         bool            `json:"pending"`
	Status          string          `json:"status"`
	CountedAt       *time.Time      `json:"counted_at"`
	Variance        variance.Result `json:"variance"`
}

type itemsResponse struct {
	CountID  string     `json:"count_id"`
	Section  string     `json:"section"`
	Sections []string   `json:"sections"`
	Items    []itemView `json:"items"`
	Counted  int        `json:"counted"`
	Total    int        `json:"total"`
}

type failedItemView struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Error string `json:"error"`
}

type saveResponse struct {
	Section   string           `json:"section"`
	Saved     []string         `json:"saved"`
	Skipped   []string         `json:"skipped"`
	Failed    []failedItemView `json:"failed"`
	Message   string           `json:"message,omitempty"`
	NextFocus *itemView        `json:"next_focus"`
}

type resolutionResponse struct {
	Status   approver.Status    `json:"status"`
	Approver *approver.Approver `json:"approver"`
	Role     approver.Role      `json:"role"`
	Strategy string             `json:"strategy,omitempty"`
	Warnings []string           `json:"warnings"`
	Message  string             `json:"message"`
}

// countState is the in-memory working copy of one count. Its breaker guards
// the remote approver resolver for this count only.
type countState struct {
	session     *stockcount.Session
	coordinator *stockcount.Coordinator
	breaker     *approver.Breaker

	mu     sync.Mutex
	header store.CountSession
}

// snapshot returns a copy of the count header.
func (c *countState) snapshot() store.CountSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.header
}

func (c *countState) markReady(readyBy string) store.CountSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.header.ReadyBy = readyBy
	c.header.Status = store.SessionReadyForApproval
	return c.header
}

type server struct {
	store    *store.Store
	engine   *approver.Engine
	ordering stockcount.Ordering
	cfg      Config
	logger   *zap.Logger

	mu     sync.Mutex
	counts map[string]*countState
}

// Run opens the database and serves the API until ctx is cancelled.
func Run(ctx context.Context, cfg Config) error {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	st, err := store.Open(ctx, cfg.DBPath, logger.Named("store"))
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	handler, err := NewHandler(st, cfg)
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api listening", zap.String("addr", cfg.Addr))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// NewHandler builds the routed API over an open store.
func NewHandler(st *store.Store, cfg Config) (http.Handler, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.Logger = logger
	libraries := cfg.Libraries
	if len(libraries) == 0 {
		libraries = stockcount.DefaultLibraries
	}

	engine, err := approver.NewEngine(approver.Options{
		Directory:           st,
		Workflows:           st,
		Remote:              cfg.Remote,
		DisableSelfApproval: !cfg.AllowSelfApproval,
		Logger:              logger.Named("approver"),
	})
	if err != nil {
		return nil, err
	}

	s := &server{
		store:    st,
		engine:   engine,
		ordering: stockcount.NewOrdering(libraries),
		cfg:      cfg,
		logger:   logger,
		counts:   map[string]*countState{},
	}

	router := mux.NewRouter()
	router.HandleFunc("/api/health", s.health).Methods(http.MethodGet)
	router.HandleFunc("/api/counts", s.createCount).Methods(http.MethodPost)
	router.HandleFunc("/api/counts/{id}/items", s.listItems).Methods(http.MethodGet)
	router.HandleFunc("/api/counts/{id}/items/{itemID}", s.setItemValue).Methods(http.MethodPut)
	router.HandleFunc("/api/counts/{id}/items/{itemID}", s.clearItemValue).Methods(http.MethodDelete)
	router.HandleFunc("/api/counts/{id}/save", s.save).Methods(http.MethodPost)
	router.HandleFunc("/api/counts/{id}/next-empty", s.nextEmpty).Methods(http.MethodGet)
	router.HandleFunc("/api/counts/{id}/sheet", s.exportSheet).Methods(http.MethodGet)
	router.HandleFunc("/api/counts/{id}/sheet", s.importSheet).Methods(http.MethodPost)
	router.HandleFunc("/api/counts/{id}/ready", s.markReady).Methods(http.MethodPost)
	router.HandleFunc("/api/counts/{id}/approver", s.resolveApprover).Methods(http.MethodGet)
	router.HandleFunc("/api/counts/{id}/approvers", s.listApprovers).Methods(http.MethodGet)

	return middleware.Chain(
		router,
		middleware.Recover(logger),
		middleware.RequestLog(logger.Named("http")),
		middleware.SecurityHeaders(middleware.SecurityHeadersConfig{ContentSecurityPolicy: "default-src 'none'; frame-ancestors 'none'"}),
	), nil
}

func (s *server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *server) createCount(w http.ResponseWriter, r *http.Request) {
	var req createCountRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.CompanyID = strings.TrimSpace(req.CompanyID)
	req.SiteID = strings.TrimSpace(req.SiteID)
	if req.CompanyID == "" || req.SiteID == "" {
		writeError(w, http.StatusBadRequest, "company_id and site_id are required")
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		req.Name = "Stock count " + time.Now().UTC().Format("2006-01-02")
	}
	cs, err := s.store.CreateSession(r.Context(), req.CompanyID, req.SiteID, req.Name)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": cs.ID, "status": cs.Status})
}

func (s *server) listItems(w http.ResponseWriter, r *http.Request) {
	state, ok := s.countFor(w, r)
	if !ok {
		return
	}
	section := r.URL.Query().Get("section")
	nav := state.session.Navigator(s.ordering, section)
	counted, total := state.session.Progress()

	resp := itemsResponse{
		CountID:  state.snapshot().ID,
		Section:  nav.Section(),
		Sections: s.ordering.Sections(state.session.Items()),
		Items:    make([]itemView, 0, nav.Len()),
		Counted:  counted,
		Total:    total,
	}
	for _, item := range nav.View() {
		resp.Items = append(resp.Items, s.viewItem(state.session, item))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *server) setItemValue(w http.ResponseWriter, r *http.Request) {
	state, ok := s.countFor(w, r)
	if !ok {
		return
	}
	var req setValueRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	itemID := mux.Vars(r)["itemID"]
	if err := state.session.SetPendingValue(itemID, req.Value); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) clearItemValue(w http.ResponseWriter, r *http.Request) {
	state, ok := s.countFor(w, r)
	if !ok {
		return
	}
	itemID := mux.Vars(r)["itemID"]
	if _, known := state.session.Item(itemID); !known {
		writeError(w, http.StatusNotFound, stockcount.ErrUnknownItem.Error())
		return
	}
	state.session.ClearPendingValue(itemID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) save(w http.ResponseWriter, r *http.Request) {
	state, ok := s.countFor(w, r)
	if !ok {
		return
	}
	section := r.URL.Query().Get("section")
	var report stockcount.SaveReport
	if strings.TrimSpace(section) == "" {
		report = state.coordinator.SaveAll(r.Context())
	} else {
		report = state.coordinator.SaveSection(r.Context(), section)
	}

	resp := saveResponse{
		Section: report.Section,
		Saved:   nonNil(report.Result.Saved),
		Skipped: nonNil(report.Result.Skipped),
		Failed:  make([]failedItemView, 0, len(report.Result.Failed)),
	}
	for _, f := range report.Result.Failed {
		resp.Failed = append(resp.Failed, failedItemView{ID: f.ID, Name: f.Name, Error: f.Err.Error()})
	}
	if report.NextFocus != nil {
		view := s.viewItem(state.session, *report.NextFocus)
		resp.NextFocus = &view
	}

	status := http.StatusOK
	if err := report.Result.Err(); err != nil {
		resp.Message = err.Error()
		status = http.StatusMultiStatus
		if len(report.Result.Saved) == 0 {
			status = http.StatusBadGateway
		}
	}
	writeJSON(w, status, resp)
}

func (s *server) nextEmpty(w http.ResponseWriter, r *http.Request) {
	state, ok := s.countFor(w, r)
	if !ok {
		return
	}
	item, found := state.session.FirstEmptyItem(s.ordering, r.URL.Query().Get("section"))
	if !found {
		writeError(w, http.StatusNotFound, "every item in scope has a value")
		return
	}
	writeJSON(w, http.StatusOK, s.viewItem(state.session, item))
}

func (s *server) exportSheet(w http.ResponseWriter, r *http.Request) {
	state, ok := s.countFor(w, r)
	if !ok {
		return
	}
	var buf bytes.Buffer
	if err := sheet.Export(&buf, state.session, s.ordering, r.URL.Query().Get("section")); err != nil {
		s.logger.Error("export count sheet", zap.String("count", state.snapshot().ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "unable to build count sheet")
		return
	}
	w.Header().Set("Content-Type", xlsxContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="count-%s.xlsx"`, state.snapshot().ID))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

func (s *server) importSheet(w http.ResponseWriter, r *http.Request) {
	state, ok := s.countFor(w, r)
	if !ok {
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxSheetUploadBytes)
	if err := r.ParseMultipartForm(maxSheetUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close()

	entries, err := sheet.Import(file, header.Filename)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := sheet.Apply(state.session, entries)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"applied": res.Applied,
		"unknown": nonNil(res.Unknown),
	})
}

// markReady flushes pending edits, records the submitter and assigns a reviewer.
func (s *server) markReady(w http.ResponseWriter, r *http.Request) {
	state, ok := s.countFor(w, r)
	if !ok {
		return
	}
	var req readyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	report := state.coordinator.SaveAll(r.Context())
	if err := report.Result.Err(); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	if err := s.store.MarkReady(r.Context(), state.snapshot().ID, req.ReadyBy); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	header := state.markReady(req.ReadyBy)

	res := s.engine.Resolve(r.Context(), approver.Request{
		CompanyID: header.CompanyID,
		SiteID:    header.SiteID,
		ReadyBy:   req.ReadyBy,
		Breaker:   state.breaker,
	})
	writeJSON(w, http.StatusOK, toResolutionResponse(res))
}

func (s *server) resolveApprover(w http.ResponseWriter, r *http.Request) {
	state, ok := s.countFor(w, r)
	if !ok {
		return
	}
	header := state.snapshot()
	readyBy := strings.TrimSpace(r.URL.Query().Get("ready_by"))
	if readyBy == "" {
		readyBy = header.ReadyBy
	}
	res := s.engine.Resolve(r.Context(), approver.Request{
		CompanyID: header.CompanyID,
		SiteID:    header.SiteID,
		ReadyBy:   readyBy,
		Breaker:   state.breaker,
	})
	status := http.StatusOK
	if res.Status == approver.StatusFailed {
		status = statusFor(res.Err)
	}
	writeJSON(w, status, toResolutionResponse(res))
}

func (s *server) listApprovers(w http.ResponseWriter, r *http.Request) {
	state, ok := s.countFor(w, r)
	if !ok {
		return
	}
	header := state.snapshot()
	list, err := s.engine.ListEligible(r.Context(), header.CompanyID, header.SiteID)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	if list == nil {
		list = []approver.Approver{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"approvers": list})
}

// countFor returns the loaded count named by the {id} route variable, loading
// it on first use.
func (s *server) countFor(w http.ResponseWriter, r *http.Request) (*countState, bool) {
	id := strings.TrimSpace(mux.Vars(r)["id"])
	state, err := s.loadCount(r.Context(), id)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return nil, false
	}
	return state, true
}

func (s *server) loadCount(ctx context.Context, id string) (*countState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if state, ok := s.counts[id]; ok {
		return state, nil
	}

	header, err := s.store.CountSession(ctx, id)
	if err != nil {
		return nil, err
	}
	session, err := stockcount.Load(ctx, id, stockcount.Options{
		Sink:        s.store,
		Catalogue:   s.store,
		Logger:      s.logger.Named("count"),
		Concurrency: s.cfg.CommitConcurrency,
	})
	if err != nil {
		return nil, err
	}
	state := &countState{
		header:  header,
		session: session,
		coordinator: stockcount.NewCoordinator(session, s.ordering, stockcount.CoordinatorOptions{
			AdvanceFocus:     s.cfg.AdvanceFocus,
			RefreshAfterSave: s.cfg.RefreshAfterSave,
			Logger:           s.logger.Named("count"),
		}),
		breaker: approver.NewBreaker(s.cfg.BreakerCooldown),
	}
	s.counts[id] = state
	return state, nil
}

func (s *server) viewItem(session *stockcount.Session, item stockcount.CountItem) itemView {
	view := itemView{
		ID:              item.ID,
		Library:         item.Library,
		Section:         item.Section(),
		Name:            item.Name,
		Unit:            item.Unit,
		Expected:        item.TheoreticalClosing,
		CountedQuantity: item.CountedQuantity,
		Value:           session.EffectiveValue(item.ID),
		Pending:         session.HasPending(item.ID),
		Status:          string(item.Status),
		CountedAt:       item.CountedAt,
		Variance:        item.Variance,
	}
	if item.UnitCost.Valid {
		cost := item.UnitCost.Decimal.String()
		view.UnitCost = &cost
	}
	return view
}

func toResolutionResponse(res approver.Resolution) resolutionResponse {
	warnings := res.Warnings
	if warnings == nil {
		warnings = []string{}
	}
	return resolutionResponse{
		Status:   res.Status,
		Approver: res.Approver,
		Role:     res.Role,
		Strategy: res.Strategy,
		Warnings: warnings,
		Message:  res.Message(),
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, stockcount.ErrUnknownItem):
		return http.StatusNotFound
	case errors.Is(err, approver.ErrInvalidRequest):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
