package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/powerbank/internal/auth"
	"github.com/MarkoPoloResearchLab/powerbank/internal/oplog"
	"github.com/MarkoPoloResearchLab/powerbank/pkg/rental"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const contextKeyUserID = "auth_user_id"

// Run boots the HTTP API over the supplied store.
func Run(ctx context.Context, cfg Config, store rental.Store) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("zap init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	pricer, err := rental.NewPerMinutePricer(cfg.RatePerMinuteCents)
	if err != nil {
		return fmt.Errorf("pricer init: %w", err)
	}
	clock := func() int64 { return time.Now().UTC().Unix() }
	service, err := rental.NewService(
		store,
		pricer,
		rental.AmountCents(cfg.DepositCents),
		clock,
		rental.WithOperationLogger(oplog.NewZapLogger(logger)),
	)
	if err != nil {
		return fmt.Errorf("rental service init: %w", err)
	}

	handler := &httpHandler{
		logger:  logger,
		service: service,
		store:   store,
		hasher:  auth.NewBcryptHasher(0),
		tokens:  auth.NewTokenService(cfg.JWTSigningKey, cfg.JWTIssuer, cfg.TokenTTL),
		cfg:     cfg,
	}

	router := setupRouter(cfg, handler)

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("powerbank api listening", zap.String("addr", cfg.ListenAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func setupRouter(cfg Config, handler *httpHandler) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept", "Authorization"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.POST("/auth/signup", handler.handleSignup)
	router.POST("/auth/login", handler.handleLogin)

	api := router.Group("/api")
	api.Use(bearerAuth(handler.tokens))

	api.POST("/rent", handler.handleRent)
	api.POST("/return", handler.handleReturn)
	api.GET("/wallet", handler.handleWallet)
	api.POST("/wallet/topup", handler.handleTopUp)
	api.GET("/stations", handler.handleStations)
	api.GET("/stations/:station_id/batteries", handler.handleStationBatteries)

	return router
}

// bearerAuth validates the Authorization header and stores the verified user
// id on the request context. The rental core trusts the id it is given.
func bearerAuth(tokens *auth.TokenService) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		authHeader := ctx.GetHeader("Authorization")
		if authHeader == "" {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing authorization header"))
			return
		}
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "invalid authorization header"))
			return
		}
		claims, err := tokens.ValidateToken(strings.TrimSpace(parts[1]))
		if err != nil {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "invalid token"))
			return
		}
		ctx.Set(contextKeyUserID, claims.UserID)
		ctx.Next()
	}
}

type httpHandler struct {
	logger  *zap.Logger
	service *rental.Service
	store   rental.Store
	hasher  auth.Hasher
	tokens  *auth.TokenService
	cfg     Config
}

type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type rentRequest struct {
	BatteryID string `json:"battery_id"`
}

type returnRequest struct {
	RentalID string `json:"rental_id"`
}

type topUpRequest struct {
	AmountCents int64 `json:"amount_cents"`
}

func (handler *httpHandler) handleSignup(ctx *gin.Context) {
	var request credentialsRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	email, err := rental.NewEmailAddress(request.Email)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_email", "a valid email is required"))
		return
	}
	passwordHash, err := handler.hasher.Hash(request.Password)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_password", "a password is required"))
		return
	}
	user, err := handler.service.RegisterUser(ctx.Request.Context(), email, passwordHash, rental.AmountCents(handler.cfg.SignupBonusCents))
	if err != nil {
		if errors.Is(err, rental.ErrDuplicateEmail) {
			ctx.JSON(http.StatusConflict, errorResponse("duplicate_email", "email already registered"))
			return
		}
		handler.logger.Error("signup failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("store_error", "signup failed"))
		return
	}
	token, err := handler.tokens.GenerateToken(user.UserID.String())
	if err != nil {
		handler.logger.Error("token issue failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("token_error", "token issue failed"))
		return
	}
	ctx.JSON(http.StatusCreated, gin.H{
		"user_id":       user.UserID.String(),
		"access_token":  token,
		"balance_cents": user.BalanceCents.Int64(),
	})
}

func (handler *httpHandler) handleLogin(ctx *gin.Context) {
	var request credentialsRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	email, err := rental.NewEmailAddress(request.Email)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_email", "a valid email is required"))
		return
	}
	user, err := handler.store.GetUserByEmail(ctx.Request.Context(), email)
	if err != nil {
		if errors.Is(err, rental.ErrUserNotFound) {
			ctx.JSON(http.StatusUnauthorized, errorResponse("invalid_credentials", "wrong email or password"))
			return
		}
		handler.logger.Error("login lookup failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("store_error", "login failed"))
		return
	}
	if err := handler.hasher.Compare(user.PasswordHash, request.Password); err != nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("invalid_credentials", "wrong email or password"))
		return
	}
	token, err := handler.tokens.GenerateToken(user.UserID.String())
	if err != nil {
		handler.logger.Error("token issue failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("token_error", "token issue failed"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"user_id":      user.UserID.String(),
		"access_token": token,
	})
}

func (handler *httpHandler) handleRent(ctx *gin.Context) {
	userID, ok := currentUserID(ctx)
	if !ok {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	var request rentRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	batteryID, err := rental.NewBatteryID(request.BatteryID)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_battery_id", "battery_id is required"))
		return
	}
	rentalID, err := handler.service.Rent(ctx.Request.Context(), userID, batteryID)
	if err != nil {
		switch {
		case errors.Is(err, rental.ErrUserNotFound), errors.Is(err, rental.ErrBatteryNotFound):
			ctx.JSON(http.StatusNotFound, errorResponse("not_found", err.Error()))
		case errors.Is(err, rental.ErrInsufficientBalance):
			ctx.JSON(http.StatusBadRequest, errorResponse("insufficient_balance", "balance below deposit threshold"))
		case errors.Is(err, rental.ErrBatteryUnavailable):
			ctx.JSON(http.StatusConflict, errorResponse("battery_unavailable", "battery is already in use"))
		default:
			handler.logger.Error("rent failed", zap.Error(err))
			ctx.JSON(http.StatusInternalServerError, errorResponse("store_error", "rent failed"))
		}
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"rental_id": rentalID.String()})
}

func (handler *httpHandler) handleReturn(ctx *gin.Context) {
	userID, ok := currentUserID(ctx)
	if !ok {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	var request returnRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	rentalID, err := rental.NewRentalID(request.RentalID)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_rental_id", "rental_id is required"))
		return
	}
	priceCents, err := handler.service.Return(ctx.Request.Context(), rentalID, userID)
	if err != nil {
		switch {
		case errors.Is(err, rental.ErrRentalNotFound):
			ctx.JSON(http.StatusNotFound, errorResponse("not_found", "rental not found"))
		case errors.Is(err, rental.ErrNotRentalOwner):
			ctx.JSON(http.StatusForbidden, errorResponse("not_owner", "rental belongs to another user"))
		case errors.Is(err, rental.ErrRentalClosed):
			ctx.JSON(http.StatusConflict, errorResponse("already_returned", "rental already returned"))
		default:
			handler.logger.Error("return failed", zap.Error(err))
			ctx.JSON(http.StatusInternalServerError, errorResponse("store_error", "return failed"))
		}
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"price_cents": priceCents.Int64()})
}

func (handler *httpHandler) handleWallet(ctx *gin.Context) {
	userID, ok := currentUserID(ctx)
	if !ok {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	handler.respondWithWallet(ctx, userID)
}

func (handler *httpHandler) handleTopUp(ctx *gin.Context) {
	userID, ok := currentUserID(ctx)
	if !ok {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	var request topUpRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	amount, err := rental.NewPositiveAmountCents(request.AmountCents)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_amount", "amount_cents must be positive"))
		return
	}
	if err := handler.service.TopUp(ctx.Request.Context(), userID, amount); err != nil {
		if errors.Is(err, rental.ErrUserNotFound) {
			ctx.JSON(http.StatusNotFound, errorResponse("not_found", "user not found"))
			return
		}
		handler.logger.Error("top-up failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("store_error", "top-up failed"))
		return
	}
	handler.respondWithWallet(ctx, userID)
}

func (handler *httpHandler) handleStations(ctx *gin.Context) {
	stations, err := handler.service.ListStations(ctx.Request.Context())
	if err != nil {
		handler.logger.Error("station list failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("store_error", "station list failed"))
		return
	}
	payload := make([]stationPayload, 0, len(stations))
	for _, station := range stations {
		payload = append(payload, stationPayload{
			StationID: station.StationID.String(),
			Name:      station.Name,
			Location:  station.Location,
			Latitude:  station.Latitude,
			Longitude: station.Longitude,
		})
	}
	ctx.JSON(http.StatusOK, gin.H{"stations": payload})
}

func (handler *httpHandler) handleStationBatteries(ctx *gin.Context) {
	stationID, err := rental.NewStationID(ctx.Param("station_id"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_station_id", "station_id is required"))
		return
	}
	batteries, err := handler.service.StationBatteries(ctx.Request.Context(), stationID)
	if err != nil {
		handler.logger.Error("battery list failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("store_error", "battery list failed"))
		return
	}
	payload := make([]batteryPayload, 0, len(batteries))
	for _, battery := range batteries {
		payload = append(payload, batteryPayload{
			BatteryID:   battery.BatteryID.String(),
			Serial:      battery.Serial.String(),
			Available:   battery.Available,
			ChargeLevel: battery.ChargeLevel.Int(),
		})
	}
	ctx.JSON(http.StatusOK, gin.H{"batteries": payload})
}

func (handler *httpHandler) respondWithWallet(ctx *gin.Context, userID rental.UserID) {
	wallet, err := handler.service.Wallet(ctx.Request.Context(), userID, 0, handler.cfg.WalletHistoryLimit)
	if err != nil {
		handler.logger.Error("wallet fetch failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("store_error", "wallet unavailable"))
		return
	}
	changes := make([]changePayload, 0, len(wallet.Changes))
	for _, change := range wallet.Changes {
		payload := changePayload{
			ChangeID:       change.ChangeID,
			AmountCents:    change.AmountCents.Int64(),
			Reason:         change.Reason.String(),
			CreatedUnixUTC: change.CreatedUnixUTC,
		}
		if change.RentalID != nil {
			payload.RentalID = change.RentalID.String()
		}
		changes = append(changes, payload)
	}
	ctx.JSON(http.StatusOK, gin.H{
		"balance_cents": wallet.BalanceCents.Int64(),
		"changes":       changes,
	})
}

func currentUserID(ctx *gin.Context) (rental.UserID, bool) {
	rawValue, ok := ctx.Get(contextKeyUserID)
	if !ok {
		return rental.UserID{}, false
	}
	raw, _ := rawValue.(string)
	userID, err := rental.NewUserID(raw)
	if err != nil {
		return rental.UserID{}, false
	}
	return userID, true
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}

type stationPayload struct {
	StationID string   `json:"station_id"`
	Name      string   `json:"name"`
	Location  string   `json:"location,omitempty"`
	Latitude  *float64 `json:"lat,omitempty"`
	Longitude *float64 `json:"lng,omitempty"`
}

type batteryPayload struct {
	BatteryID   string `json:"battery_id"`
	Serial      string `json:"serial"`
	Available   bool   `json:"available"`
	ChargeLevel int    `json:"charge_level"`
}

type changePayload struct {
	ChangeID       string `json:"change_id"`
	AmountCents    int64  `json:"amount_cents"`
	Reason         string `json:"reason"`
	RentalID       string `json:"rental_id,omitempty"`
	CreatedUnixUTC int64  `json:"created_unix_utc"`
}
