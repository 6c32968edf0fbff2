// Package server exposes the repository over HTTP: session bootstrap,
// content submission, moderation and the update sync surface.
package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/hydrusnetwork/tagrepo/internal/accounts"
	"github.com/hydrusnetwork/tagrepo/internal/apperr"
	"github.com/hydrusnetwork/tagrepo/internal/content"
	"github.com/hydrusnetwork/tagrepo/internal/repo"
)

const accountContextKey = "tagrepo_account"

var (
	errMissingAccountService = errors.New("account service dependency required")
	errMissingStore          = errors.New("repository store dependency required")
	errMissingBuilder        = errors.New("update builder dependency required")
	errMissingSessions       = errors.New("session manager dependency required")
	errMissingServiceKey     = errors.New("service key required")
	errInvalidAuthorization  = errors.New("authorization header missing or invalid")
)

// SessionIssuer exchanges a validated account key for a session token.
type SessionIssuer interface {
	IssueSession(accountKey, serviceKey string) (string, int64, error)
	ValidateSession(token string) (string, string, error)
}

// Dependencies collects everything the HTTP surface needs.
type Dependencies struct {
	Accounts   *accounts.Service
	Store      *repo.Store
	Builder    *repo.Builder
	Sessions   SessionIssuer
	ServiceKey string
	Clock      func() time.Time
	Logger     *zap.Logger
}

// NewHTTPHandler wires the router: an open session/registration surface and
// a Bearer-protected group for everything that acts as an account.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Accounts == nil {
		return nil, errMissingAccountService
	}
	if deps.Store == nil {
		return nil, errMissingStore
	}
	if deps.Builder == nil {
		return nil, errMissingBuilder
	}
	if deps.Sessions == nil {
		return nil, errMissingSessions
	}
	if strings.TrimSpace(deps.ServiceKey) == "" {
		return nil, errMissingServiceKey
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		accounts:   deps.Accounts,
		store:      deps.Store,
		builder:    deps.Builder,
		sessions:   deps.Sessions,
		serviceKey: deps.ServiceKey,
		clock:      clock,
		logger:     logger,
	}

	router.POST("/session", handler.handleSession)
	router.POST("/account", handler.handleRedeemRegistrationKey)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/account", handler.handleAccountInfo)
	protected.POST("/update", handler.handleSubmitUpdate)
	protected.GET("/petition", handler.handleNextPetition)
	protected.POST("/petitions", handler.handleResolvePetition)
	protected.GET("/metadata_slice", handler.handleMetadataSlice)
	protected.GET("/update_package", handler.handleGetPackage)
	protected.POST("/registration_keys", handler.handleCreateRegistrationKeys)
	protected.POST("/account/ban", handler.handleBanAccount)
	protected.POST("/account/unban", handler.handleUnbanAccount)
	protected.POST("/account/expires", handler.handleSetExpires)
	protected.POST("/account/account_type", handler.handleSetAccountType)

	return router, nil
}

type httpHandler struct {
	accounts   *accounts.Service
	store      *repo.Store
	builder    *repo.Builder
	sessions   SessionIssuer
	serviceKey string
	clock      func() time.Time
	logger     *zap.Logger
}

// writeError maps the error taxonomy onto HTTP statuses. Unknown errors
// stay opaque 500s; their detail goes to the log, not the client.
func (h *httpHandler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, apperr.ErrPermission):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case errors.Is(err, apperr.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, apperr.ErrDataMissing):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		h.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
	}
}

type sessionRequestPayload struct {
	AccessKey string `json:"access_key"`
}

type sessionResponsePayload struct {
	SessionToken string `json:"session_token"`
	ExpiresIn    int64  `json:"expires_in"`
	TokenType    string `json:"token_type"`
}

func (h *httpHandler) handleSession(c *gin.Context) {
	var request sessionRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.AccessKey) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	account, err := h.accounts.GetAccount(c.Request.Context(), h.serviceKey, request.AccessKey)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		h.writeError(c, err)
		return
	}
	if err := account.CheckFunctional(h.clock()); err != nil {
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
		return
	}

	token, expiresIn, err := h.sessions.IssueSession(account.Key(), h.serviceKey)
	if err != nil {
		h.logger.Error("failed to issue session token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "session_issue_failed"})
		return
	}

	c.JSON(http.StatusOK, sessionResponsePayload{
		SessionToken: token,
		ExpiresIn:    expiresIn,
		TokenType:    "Bearer",
	})
}

type redeemRequestPayload struct {
	RegistrationKey string `json:"registration_key"`
}

type redeemResponsePayload struct {
	AccessKey string `json:"access_key"`
}

func (h *httpHandler) handleRedeemRegistrationKey(c *gin.Context) {
	var request redeemRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.RegistrationKey) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	accessKey, err := h.accounts.RedeemRegistrationKey(c.Request.Context(), h.serviceKey, request.RegistrationKey)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, redeemResponsePayload{AccessKey: accessKey})
}

// authorizeRequest validates the Bearer session, loads the account, and
// rejects non-functional accounts up front. The request is billed against
// the account's bandwidth whether or not the handler succeeds.
func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}

	accountKey, serviceKey, err := h.sessions.ValidateSession(token)
	if err != nil || serviceKey != h.serviceKey {
		h.logger.Warn("session validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	account, err := h.accounts.GetAccount(c.Request.Context(), h.serviceKey, accountKey)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	if err := account.CheckFunctional(h.clock()); err != nil {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": err.Error()})
		return
	}

	c.Set(accountContextKey, account)
	c.Next()

	billed := int64(c.Request.ContentLength)
	if billed < 0 {
		billed = 0
	}
	if size := c.Writer.Size(); size > 0 {
		billed += int64(size)
	}
	if err := h.accounts.RequestMade(c.Request.Context(), h.serviceKey, account, billed); err != nil {
		h.logger.Warn("failed to record bandwidth",
			zap.String("account_key", account.Key()), zap.Error(err))
	}
}

func (h *httpHandler) currentAccount(c *gin.Context) (*accounts.Account, bool) {
	value, ok := c.Get(accountContextKey)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return nil, false
	}
	account, ok := value.(*accounts.Account)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return nil, false
	}
	return account, true
}

type accountInfoPayload struct {
	AccountKey  string                 `json:"account_key"`
	AccountType string                 `json:"account_type"`
	Score       int64                  `json:"score"`
	Created     int64                  `json:"created"`
	Expires     *int64                 `json:"expires,omitempty"`
	Ban         *accounts.BanInfo      `json:"ban,omitempty"`
	Permissions accounts.PermissionMap `json:"permissions"`
}

func (h *httpHandler) handleAccountInfo(c *gin.Context) {
	account, ok := h.currentAccount(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, accountInfoPayload{
		AccountKey:  account.Key(),
		AccountType: account.Type().Key(),
		Score:       account.Score(),
		Created:     account.Created(),
		Expires:     account.Expires(),
		Ban:         account.Ban(),
		Permissions: account.Type().Permissions(),
	})
}

func (h *httpHandler) handleSubmitUpdate(c *gin.Context) {
	account, ok := h.currentAccount(c)
	if !ok {
		return
	}

	update := content.NewContentUpdate()
	if err := c.ShouldBindJSON(update); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	result, err := h.store.ProcessUpdate(c.Request.Context(), h.serviceKey, account, update)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"affected_rows": result.AffectedRows})
}

type petitionPayload struct {
	Action        string            `json:"action"`
	PetitionerKey string            `json:"petitioner_key"`
	Reason        string            `json:"reason"`
	Contents      []content.Content `json:"contents"`
	NumRows       int               `json:"num_rows"`
}

func petitionToPayload(petition content.Petition) petitionPayload {
	return petitionPayload{
		Action:        petition.Action().String(),
		PetitionerKey: petition.PetitionerKey(),
		Reason:        petition.Reason(),
		Contents:      petition.Contents(),
		NumRows:       petition.NumRows(),
	}
}

func payloadToPetition(payload petitionPayload) (content.Petition, error) {
	action, err := content.ParseAction(payload.Action)
	if err != nil {
		return content.Petition{}, err
	}
	return content.NewPetition(action, payload.PetitionerKey, payload.Reason, payload.Contents)
}

func (h *httpHandler) handleNextPetition(c *gin.Context) {
	account, ok := h.currentAccount(c)
	if !ok {
		return
	}

	petition, err := h.store.NextPetition(c.Request.Context(), h.serviceKey, account)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, petitionToPayload(petition))
}

type resolvePetitionPayload struct {
	Petition petitionPayload   `json:"petition"`
	Decision string            `json:"decision"`
	Approved []content.Content `json:"approved,omitempty"`
}

func (h *httpHandler) handleResolvePetition(c *gin.Context) {
	account, ok := h.currentAccount(c)
	if !ok {
		return
	}

	var request resolvePetitionPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	petition, err := payloadToPetition(request.Petition)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_petition"})
		return
	}

	switch strings.ToLower(strings.TrimSpace(request.Decision)) {
	case "approve":
		err = h.store.ApprovePetition(c.Request.Context(), h.serviceKey, account, petition, request.Approved)
	case "deny":
		err = h.store.DenyPetition(c.Request.Context(), h.serviceKey, account, petition)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_decision"})
		return
	}
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{})
}

func (h *httpHandler) handleMetadataSlice(c *gin.Context) {
	if _, ok := h.currentAccount(c); !ok {
		return
	}

	since := int64(0)
	if raw := strings.TrimSpace(c.Query("since")); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_since"})
			return
		}
		since = parsed
	}

	slice, err := h.builder.MetadataSlice(c.Request.Context(), h.serviceKey, since)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"metadata": slice})
}

func (h *httpHandler) handleGetPackage(c *gin.Context) {
	if _, ok := h.currentAccount(c); !ok {
		return
	}

	hash := strings.TrimSpace(c.Query("hash"))
	if hash == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_hash"})
		return
	}

	data, err := h.builder.GetPackage(c.Request.Context(), h.serviceKey, hash)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.Data(http.StatusOK, "application/json", data)
}

type registrationKeysRequestPayload struct {
	AccountTypeKey string `json:"account_type_key"`
	Count          int    `json:"count"`
}

func (h *httpHandler) handleCreateRegistrationKeys(c *gin.Context) {
	account, ok := h.currentAccount(c)
	if !ok {
		return
	}

	var request registrationKeysRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.AccountTypeKey) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if request.Count <= 0 {
		request.Count = 1
	}

	keys, err := h.accounts.CreateRegistrationKeys(c.Request.Context(), h.serviceKey, account, request.AccountTypeKey, request.Count)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"registration_keys": keys})
}

type banRequestPayload struct {
	AccountKey      string `json:"account_key"`
	Reason          string `json:"reason"`
	LifetimeSeconds *int64 `json:"lifetime_s,omitempty"`
}

func (h *httpHandler) handleBanAccount(c *gin.Context) {
	account, ok := h.currentAccount(c)
	if !ok {
		return
	}

	var request banRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.AccountKey) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	var lifetime *time.Duration
	if request.LifetimeSeconds != nil {
		d := time.Duration(*request.LifetimeSeconds) * time.Second
		lifetime = &d
	}
	if err := h.accounts.BanAccount(c.Request.Context(), h.serviceKey, account, request.AccountKey, request.Reason, lifetime); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{})
}

type targetAccountPayload struct {
	AccountKey string `json:"account_key"`
}

func (h *httpHandler) handleUnbanAccount(c *gin.Context) {
	account, ok := h.currentAccount(c)
	if !ok {
		return
	}

	var request targetAccountPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.AccountKey) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if err := h.accounts.UnbanAccount(c.Request.Context(), h.serviceKey, account, request.AccountKey); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{})
}

type expiresRequestPayload struct {
	AccountKey string `json:"account_key"`
	Expires    *int64 `json:"expires,omitempty"`
	AddSeconds *int64 `json:"add_s,omitempty"`
}

func (h *httpHandler) handleSetExpires(c *gin.Context) {
	account, ok := h.currentAccount(c)
	if !ok {
		return
	}

	var request expiresRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.AccountKey) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	var err error
	if request.AddSeconds != nil {
		err = h.accounts.AddToAccountExpires(c.Request.Context(), h.serviceKey, account, request.AccountKey,
			time.Duration(*request.AddSeconds)*time.Second)
	} else {
		err = h.accounts.SetAccountExpires(c.Request.Context(), h.serviceKey, account, request.AccountKey, request.Expires)
	}
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{})
}

type accountTypeRequestPayload struct {
	AccountKey     string `json:"account_key"`
	AccountTypeKey string `json:"account_type_key"`
}

func (h *httpHandler) handleSetAccountType(c *gin.Context) {
	account, ok := h.currentAccount(c)
	if !ok {
		return
	}

	var request accountTypeRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil ||
		strings.TrimSpace(request.AccountKey) == "" || strings.TrimSpace(request.AccountTypeKey) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if err := h.accounts.SetAccountType(c.Request.Context(), h.serviceKey, account, request.AccountKey, request.AccountTypeKey); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{})
}
