package subscription

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"

	"xuiportal/auth"
	"xuiportal/common"
	"xuiportal/metrics"
)

// Store данные пользователей и шаблонов для HTTP-слоя
type Store interface {
	GetUser(id int64) (*common.User, error)
	GetUserBySubscriptionToken(token string) (*common.User, error)
	GetActiveTemplate() (*common.MihomoTemplate, error)
	Ping() error
}

// Builder собирает подписку пользователя
type Builder interface {
	Build(ctx context.Context, user *common.User) (*Result, error)
	TrafficInfo(ctx context.Context, user *common.User) common.TrafficInfo
}

// TokenAuth выдача и проверка токенов доступа
type TokenAuth interface {
	Issue(userID int64, userAgent, ip string) (string, *common.IssuedToken, error)
	Verify(token string) (*auth.Claims, error)
}

// Handler HTTP-обработчики подписок
type Handler struct {
	store   Store
	builder Builder
	tokens  TokenAuth
	timeout time.Duration
	now     func() time.Time
}

// NewHandler создает обработчики. tokens может быть nil, тогда /api не регистрируется.
func NewHandler(store Store, builder Builder, tokens TokenAuth, timeout time.Duration) *Handler {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Handler{store: store, builder: builder, tokens: tokens, timeout: timeout, now: time.Now}
}

// RegisterRoutes регистрирует маршруты подписки, токенов, метрик и проверки здоровья
func (h *Handler) RegisterRoutes(router *mux.Router, gatherer prometheus.Gatherer) {
	router.HandleFunc("/sub", h.handleSubscription).Methods(http.MethodGet)
	router.HandleFunc("/healthz", h.handleHealth).Methods(http.MethodGet)
	if gatherer != nil {
		router.Handle("/metrics", metrics.Handler(gatherer)).Methods(http.MethodGet)
	}
	if h.tokens != nil {
		router.HandleFunc("/api/token", h.handleIssueToken).Methods(http.MethodPost)
		router.HandleFunc("/api/traffic", h.handleTraffic).Methods(http.MethodGet)
	}
}

// NewRouter создает роутер со всеми маршрутами
func NewRouter(h *Handler, gatherer prometheus.Gatherer) *mux.Router {
	router := mux.NewRouter()
	h.RegisterRoutes(router, gatherer)
	return router
}

func (h *Handler) handleSubscription(w http.ResponseWriter, r *http.Request) {
	code := h.serveSubscription(w, r)
	metrics.SubscriptionRequests.WithLabelValues(strconv.Itoa(code)).Inc()
}

// serveSubscription отдает подписку и возвращает код ответа
func (h *Handler) serveSubscription(w http.ResponseWriter, r *http.Request) int {
	token := r.URL.Query().Get("token")
	if token == "" {
		return writeText(w, http.StatusBadRequest, "missing token")
	}

	user, reason := h.activeUser(token)
	if reason != "" {
		return writeText(w, http.StatusForbidden, reason)
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	result, err := h.builder.Build(ctx, user)
	switch {
	case errors.Is(err, ErrFleetUnavailable):
		return writeText(w, http.StatusServiceUnavailable, "service unavailable")
	case errors.Is(err, ErrNoData):
		return writeText(w, http.StatusNotFound, "subscription not found")
	case err != nil:
		log.Printf("SUBSCRIPTION: Ошибка сборки подписки %s: %v", user.Email, err)
		return writeText(w, http.StatusInternalServerError, "internal error")
	}

	userinfo := FormatUserinfo(result.Info)
	if isMihomoClient(r.UserAgent()) {
		return h.serveMihomo(w, user, result, userinfo)
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Subscription-Userinfo", userinfo)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(result.Content))
	return http.StatusOK
}

func (h *Handler) serveMihomo(w http.ResponseWriter, user *common.User, result *Result, userinfo string) int {
	tpl, err := h.store.GetActiveTemplate()
	if err != nil {
		log.Printf("SUBSCRIPTION: Нет активного шаблона Mihomo: %v", err)
		return writeText(w, http.StatusInternalServerError, "no active template")
	}
	config, err := ConvertToMihomo(result.Content, tpl.Content)
	if err != nil || config == "" {
		log.Printf("SUBSCRIPTION: Ошибка конвертации подписки %s: %v", user.Email, err)
		return writeText(w, http.StatusInternalServerError, "conversion failed")
	}

	w.Header().Set("Content-Type", "text/yaml; charset=utf-8")
	w.Header().Set("Subscription-Userinfo", userinfo)
	w.Header().Set("Profile-Update-Interval", "24")
	w.Header().Set("Content-Disposition", "attachment; filename=config.yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(config))
	return http.StatusOK
}

// activeUser находит пользователя с действующим пакетом или возвращает причину отказа.
// Отключение по трафику не мешает отдаче подписки.
func (h *Handler) activeUser(token string) (*common.User, string) {
	user, err := h.store.GetUserBySubscriptionToken(token)
	if err != nil {
		return nil, "Invalid token"
	}
	if !user.HasPackage() {
		return nil, "No package assigned"
	}
	if user.PackageExpireTime != nil && !user.PackageExpireTime.After(h.now()) {
		return nil, "Package expired"
	}
	return user, ""
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(); err != nil {
		log.Printf("HEALTH: База данных недоступна: %v", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleIssueToken обменивает токен подписки на токен доступа к API
func (h *Handler) handleIssueToken(w http.ResponseWriter, r *http.Request) {
	token := r.FormValue("token")
	if token == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing token"})
		return
	}
	user, err := h.store.GetUserBySubscriptionToken(token)
	if err != nil {
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "invalid token"})
		return
	}

	signed, record, err := h.tokens.Issue(user.ID, r.UserAgent(), clientIP(r))
	if err != nil {
		log.Printf("AUTH: Ошибка выдачи токена %s: %v", user.Email, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"access_token": signed,
		"token_type":   "Bearer",
		"expires_at":   record.ExpiresAt.Unix(),
	})
}

// handleTraffic отдает использованный трафик владельцу токена доступа
func (h *Handler) handleTraffic(w http.ResponseWriter, r *http.Request) {
	bearer, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || bearer == "" {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing bearer token"})
		return
	}
	claims, err := h.tokens.Verify(bearer)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid token"})
		return
	}
	user, err := h.store.GetUser(claims.UserID)
	if err != nil || !user.HasPackage() {
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "no package"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()
	writeJSON(w, http.StatusOK, h.builder.TrafficInfo(ctx, user))
}

// isMihomoClient определяет клиентов, которым нужна YAML-конфигурация
func isMihomoClient(userAgent string) bool {
	ua := strings.ToLower(userAgent)
	return strings.Contains(ua, "clash") || strings.Contains(ua, "mihomo")
}

func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeText(w http.ResponseWriter, status int, text string) int {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(text))
	return status
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("HTTP: Ошибка кодирования ответа: %v", err)
	}
}
