package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"

	"Mosaic-Protocol/internal/coordinator"
	xerrors "Mosaic-Protocol/internal/errors"
	"Mosaic-Protocol/internal/market"
	"Mosaic-Protocol/internal/task"
	"Mosaic-Protocol/pkg/logger"
)

const maxBodyBytes = 1 << 20

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// runRequest 是 /runs 与 /quotes/execute 的请求体。
type runRequest struct {
	Task   string        `json:"task"`
	Quote  *market.Quote `json:"quote,omitempty"`
	Wallet string        `json:"wallet,omitempty"`
	RunID  string        `json:"runId,omitempty"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "任务服务未初始化"))
		return
	}
	var req task.Request
	if !readJSON(w, r, &req) {
		return
	}
	created, err := s.tasks.Submit(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, created)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "任务服务未初始化"))
		return
	}
	opts, err := parseListOptions(r)
	if err != nil {
		writeError(w, err)
		return
	}
	items, err := s.tasks.List(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	if items == nil {
		items = []*task.Task{}
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) handleTaskStats(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "任务服务未初始化"))
		return
	}
	opts, err := parseListOptions(r)
	if err != nil {
		writeError(w, err)
		return
	}
	stats, err := s.tasks.Stats(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleTaskDetail 返回单个任务的状态与结果。
func (s *Server) handleTaskDetail(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "任务服务未初始化"))
		return
	}
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "缺少任务 ID"))
		return
	}
	item, err := s.tasks.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

// handleRun 同步执行一次编排，连接会一直保持到运行结束。
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if !readJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Task) == "" {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "task 不能为空"))
		return
	}
	s.execute(w, r, req, func(ctx context.Context, opts []coordinator.RunOption) *market.TaskExecutionResult {
		return s.runner.ExecuteTask(ctx, req.Task, opts...)
	})
}

// handleExecuteQuote 按已确认的报价同步执行。
func (s *Server) handleExecuteQuote(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if !readJSON(w, r, &req) {
		return
	}
	if req.Quote == nil || len(req.Quote.Agents) == 0 {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "报价缺少代理信息"))
		return
	}
	s.execute(w, r, req, func(ctx context.Context, opts []coordinator.RunOption) *market.TaskExecutionResult {
		return s.runner.ExecuteTaskWithQuote(ctx, req.Quote, opts...)
	})
}

func (s *Server) execute(w http.ResponseWriter, r *http.Request, req runRequest, run func(context.Context, []coordinator.RunOption) *market.TaskExecutionResult) {
	if s.runner == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "同步执行未启用"))
		return
	}
	var opts []coordinator.RunOption
	if req.RunID != "" {
		opts = append(opts, coordinator.WithRunID(req.RunID))
	}
	if req.Wallet != "" {
		if !common.IsHexAddress(req.Wallet) {
			writeError(w, xerrors.Newf(xerrors.CodeInvalidArgument, "钱包地址无效: %s", req.Wallet))
			return
		}
		opts = append(opts, coordinator.WithWallet(common.HexToAddress(req.Wallet)))
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()
	result := run(ctx, opts)
	if result == nil {
		writeError(w, xerrors.New(xerrors.CodeUnknown, "执行未返回结果"))
		return
	}
	logger.Audit().Info("同步执行完成",
		slog.String("run_id", result.RunID),
		slog.Bool("success", result.Success),
		slog.Int64("total_cost", result.TotalCost),
		slog.String("error_code", result.ErrorCode),
	)
	status := http.StatusOK
	if !result.Success {
		status = statusForCode(xerrors.Code(result.ErrorCode))
	}
	writeJSON(w, status, result)
}

// parseListOptions 解析 status、kind、q、limit、offset、order、has_result、since、until 查询参数。
func parseListOptions(r *http.Request) ([]task.ListOption, error) {
	query := r.URL.Query()
	var opts []task.ListOption

	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			return nil, xerrors.Newf(xerrors.CodeInvalidArgument, "limit 参数无效: %s", raw)
		}
		opts = append(opts, task.WithLimit(limit))
	}
	if raw := query.Get("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil || offset < 0 {
			return nil, xerrors.Newf(xerrors.CodeInvalidArgument, "offset 参数无效: %s", raw)
		}
		opts = append(opts, task.WithOffset(offset))
	}
	if raw := query.Get("status"); raw != "" {
		var statuses []task.Status
		for _, part := range strings.Split(raw, ",") {
			status := task.Status(strings.ToLower(strings.TrimSpace(part)))
			if !task.IsValidStatus(status) {
				return nil, xerrors.Newf(xerrors.CodeInvalidArgument, "未知的任务状态: %s", part)
			}
			statuses = append(statuses, status)
		}
		opts = append(opts, task.WithStatuses(statuses...))
	}
	if raw := query.Get("kind"); raw != "" {
		var kinds []task.Kind
		for _, part := range strings.Split(raw, ",") {
			switch kind := task.Kind(strings.ToLower(strings.TrimSpace(part))); kind {
			case task.KindTask, task.KindQuote:
				kinds = append(kinds, kind)
			default:
				return nil, xerrors.Newf(xerrors.CodeInvalidArgument, "未知的任务类型: %s", part)
			}
		}
		opts = append(opts, task.WithKinds(kinds...))
	}
	if raw := query.Get("has_result"); raw != "" {
		has, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, xerrors.Newf(xerrors.CodeInvalidArgument, "has_result 参数无效: %s", raw)
		}
		opts = append(opts, task.WithResultPresence(has))
	}
	if raw := query.Get("since"); raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return nil, xerrors.Newf(xerrors.CodeInvalidArgument, "since 需要 RFC3339 时间: %s", raw)
		}
		opts = append(opts, task.WithUpdatedSince(ts))
	}
	if raw := query.Get("until"); raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return nil, xerrors.Newf(xerrors.CodeInvalidArgument, "until 需要 RFC3339 时间: %s", raw)
		}
		opts = append(opts, task.WithUpdatedUntil(ts))
	}
	if strings.EqualFold(query.Get("order"), "asc") {
		opts = append(opts, task.WithSortOrder(task.SortByUpdatedAsc))
	}
	if q := query.Get("q"); q != "" {
		opts = append(opts, task.WithQuery(q))
	}
	return opts, nil
}

func readJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: "请求体过大", Code: string(xerrors.CodeInvalidArgument)})
			return false
		}
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "请求体解析失败", Code: string(xerrors.CodeInvalidArgument)})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.L().Error("写入响应失败", slog.Any("error", err))
	}
}

func writeError(w http.ResponseWriter, err error) {
	code := xerrors.CodeOf(err)
	message := err.Error()
	if e, ok := xerrors.From(err); ok {
		message = e.Message()
	}
	writeJSON(w, statusForCode(code), errorResponse{Error: message, Code: string(code)})
}

// statusForCode 把错误码映射为 HTTP 状态码。
func statusForCode(code xerrors.Code) int {
	switch code {
	case task.CodeTaskNotFound, xerrors.CodeNotFound:
		return http.StatusNotFound
	case task.CodeTaskValidation, xerrors.CodeInvalidArgument:
		return http.StatusBadRequest
	case task.CodeTaskConflict, xerrors.CodeConflict, xerrors.CodeEscrowClosed:
		return http.StatusConflict
	case xerrors.CodeQuoteExpired:
		return http.StatusGone
	case xerrors.CodeInitializationFailure:
		return http.StatusServiceUnavailable
	case xerrors.CodeTimeout:
		return http.StatusGatewayTimeout
	case xerrors.CodePlanningFailed, xerrors.CodeSynthesisFailed, xerrors.CodeAgentFailure,
		xerrors.CodeUnknownCapability, xerrors.CodePaymentFailed, xerrors.CodeCollusionBlocked,
		xerrors.CodeVerificationFailed, xerrors.CodeEscrowFailed:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
