package api

import (
	"errors"
	"time"

	"CoinPulse/internal/domain/models"
	"CoinPulse/internal/usecase"
	"CoinPulse/pkg/cache"
	xhttp "CoinPulse/pkg/http"
	xlogger "CoinPulse/pkg/logger"
	"CoinPulse/pkg/util"

	"github.com/labstack/echo/v4"
)

const (
	historyCacheTTL = 10 * time.Second
	defaultHistory  = 24 * time.Hour
)

// EngineControl is the engine surface the API needs.
type EngineControl interface {
	AllPairs() []string
	FormatPair(pair string) string
	Status() usecase.Status
	Reconnect() error
}

type pairView struct {
	Pair      string `json:"pair"`
	Formatted string `json:"formatted"`
}

type statusView struct {
	usecase.Status
	WSClients int `json:"ws_clients"`
}

// ChangesEchoHandler serves the read API over live, cached and stored changes.
type ChangesEchoHandler struct {
	logger  *xlogger.Logger
	engine  EngineControl
	changes *usecase.ChangesQuery
	candles *usecase.CandlesUseCase
	hub     *Hub
	cache   cache.Service
	now     func() time.Time
}

// NewChangesEchoHandler wires the handler. respCache may be nil to disable
// history response caching.
func NewChangesEchoHandler(logger *xlogger.Logger, engine EngineControl, changes *usecase.ChangesQuery,
	candles *usecase.CandlesUseCase, hub *Hub, respCache cache.Service) *ChangesEchoHandler {
	if logger == nil {
		logger = xlogger.Nop()
	}
	return &ChangesEchoHandler{
		logger:  logger,
		engine:  engine,
		changes: changes,
		candles: candles,
		hub:     hub,
		cache:   respCache,
		now:     time.Now,
	}
}

func (h *ChangesEchoHandler) RegisterRoutes(e *echo.Echo) {
	g := e.Group("/api")
	g.GET("/changes", h.Changes)
	g.GET("/changes/latest", h.Latest)
	g.GET("/changes/history", h.History)
	g.GET("/pairs", h.Pairs)
	g.GET("/status", h.Status)
	g.GET("/candles", h.Candles)
	g.POST("/reconnect", h.Reconnect)
	if h.hub != nil {
		e.GET("/ws", h.hub.Serve)
	}
}

func (h *ChangesEchoHandler) Changes(c echo.Context) error {
	req := &models.ChangesRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	res := h.changes.List(req.Period, req.Sort, req.Limit)
	return xhttp.ListResponse(c, models.ChangesViews(res, h.engine.FormatPair), int64(len(res)))
}

func (h *ChangesEchoHandler) Latest(c echo.Context) error {
	req := &models.LatestChangesRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	res, err := h.changes.Latest(c.Request().Context(), req.Pair, req.Period)
	if err != nil {
		h.logger.Error("latest changes failed", xlogger.String("pair", req.Pair), xlogger.Error(err))
		return xhttp.AppErrorResponse(c, xhttp.UnavailableError("latest changes unavailable").WithError(err))
	}
	if len(res) == 0 {
		return xhttp.AppErrorResponse(c, xhttp.NotFoundErrorf("no changes published for %s", req.Pair))
	}
	return xhttp.ListResponse(c, models.ChangesViews(res, h.engine.FormatPair), int64(len(res)))
}

func (h *ChangesEchoHandler) History(c echo.Context) error {
	req := &models.HistoryRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	to := h.now()
	if req.To != "" {
		t, ok := util.ParseTime(req.To)
		if !ok {
			return xhttp.AppErrorResponse(c, xhttp.BadRequestError("to", "to must be RFC3339, a date or a unix timestamp"))
		}
		to = t
	}
	from := to.Add(-defaultHistory)
	if req.From != "" {
		t, ok := util.ParseTime(req.From)
		if !ok {
			return xhttp.AppErrorResponse(c, xhttp.BadRequestError("from", "from must be RFC3339, a date or a unix timestamp"))
		}
		from = t
	}
	if from.After(to) {
		return xhttp.AppErrorResponse(c, xhttp.BadRequestError("from", "from must not be after to"))
	}

	ctx := c.Request().Context()
	key := cache.GenerateKeyWithParams("history", req.Pair, from.Unix(), to.Unix(), req.Limit)
	var views []models.ChangesView
	if h.cache != nil && h.cache.Get(ctx, key, &views) == nil {
		c.Response().Header().Set("X-Cache", "HIT")
		return xhttp.ListResponse(c, views, int64(len(views)))
	}

	res, err := h.changes.History(ctx, usecase.HistoryParams{Pair: req.Pair, From: from, To: to, Limit: req.Limit})
	if err != nil {
		if errors.Is(err, usecase.ErrHistoryDisabled) {
			return xhttp.AppErrorResponse(c, xhttp.UnavailableError("changes history is not configured"))
		}
		h.logger.Error("history query failed", xlogger.String("pair", req.Pair), xlogger.Error(err))
		return xhttp.AppErrorResponse(c, xhttp.InternalError("history query failed").WithError(err))
	}
	views = models.ChangesViews(res, h.engine.FormatPair)
	if h.cache != nil {
		if err := h.cache.Set(ctx, key, views, historyCacheTTL); err != nil {
			h.logger.Warn("history cache write failed", xlogger.Error(err))
		}
	}
	c.Response().Header().Set("X-Cache", "MISS")
	return xhttp.ListResponse(c, views, int64(len(views)))
}

func (h *ChangesEchoHandler) Pairs(c echo.Context) error {
	pairs := h.engine.AllPairs()
	out := make([]pairView, len(pairs))
	for i, p := range pairs {
		out[i] = pairView{Pair: p, Formatted: h.engine.FormatPair(p)}
	}
	return xhttp.ListResponse(c, out, int64(len(out)))
}

func (h *ChangesEchoHandler) Status(c echo.Context) error {
	s := statusView{Status: h.engine.Status()}
	if h.hub != nil {
		s.WSClients = h.hub.Clients()
	}
	return xhttp.SuccessResponse(c, s)
}

func (h *ChangesEchoHandler) Candles(c echo.Context) error {
	req := &models.CandlesRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	res, err := h.candles.GetCandles(usecase.GetCandlesParams{Pair: req.Pair, Period: req.Period, Limit: req.Limit})
	if err != nil {
		return xhttp.AppErrorResponse(c, xhttp.BadRequestError("", err.Error()))
	}
	if res.Count == 0 {
		return xhttp.AppErrorResponse(c, xhttp.NotFoundErrorf("no chart data for %s at %ds", req.Pair, req.Period))
	}
	return xhttp.SuccessResponse(c, res)
}

// Reconnect schedules an explicit refresh and returns at once; progress is
// reported through engine status messages.
func (h *ChangesEchoHandler) Reconnect(c echo.Context) error {
	st := h.engine.Status()
	if !st.Started {
		return xhttp.AppErrorResponse(c, xhttp.ConflictError("engine is not running"))
	}
	if st.Refreshing {
		return xhttp.AppErrorResponse(c, xhttp.ConflictError("refresh already in progress"))
	}
	go func() {
		if err := h.engine.Reconnect(); err != nil {
			h.logger.Warn("reconnect request failed", xlogger.Error(err))
		}
	}()
	return xhttp.AcceptedResponse(c, map[string]string{"status": "reconnecting"})
}
