package http

import (
	"context"
	stdhttp "net/http"
	"time"

	"github.com/dkeye/Classroom/internal/adapters/signal"
	"github.com/dkeye/Classroom/internal/app"
	"github.com/dkeye/Classroom/internal/app/gate"
	"github.com/dkeye/Classroom/internal/config"
	"github.com/dkeye/Classroom/internal/core"
	"github.com/dkeye/Classroom/internal/domain"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	IdentityHeader = "X-User-ID"
	sessionUserKey = "user_id"
)

// Deps is everything the router serves.
type Deps struct {
	Stores   core.Stores
	Hub      *app.Hub
	Registry *app.Registry
	Tokens   core.TokenIssuer
	// RelayURL is returned with each token so clients know where to connect.
	RelayURL string
	Limiter  *SendRateLimiter
	Window   domain.JoinWindow
	Clock    func() time.Time
}

func genClientToken() string {
	idStr := uuid.NewString()
	return idStr
}

func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := c.Cookie("ct")
		if token == "" {
			token = genClientToken()
			c.SetCookie("ct", token, 3600*24*7, "/", "", false, true)
		}
		c.Set("client_token", token)
		c.Next()
	}
}

// IdentityMiddleware resolves the caller's identity from the X-User-ID header,
// falling back to the cookie session. Invalid identities are ignored.
func IdentityMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := domain.UserID(c.GetHeader(IdentityHeader))
		if id == "" {
			if v, ok := sessions.Default(c).Get(sessionUserKey).(string); ok {
				id = domain.UserID(v)
			}
		}
		if domain.ValidUserID(id) {
			c.Set(signal.IdentityKey, string(id))
		}
		c.Next()
	}
}

// CORSMiddleware lets browser clients on other origins call the api.
func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Headers", "authorization, content-type, "+IdentityHeader)
		h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		if c.Request.Method == stdhttp.MethodOptions {
			c.String(stdhttp.StatusOK, "ok")
			c.Abort()
			return
		}
		c.Next()
	}
}

func SetupRouter(ctx context.Context, cfg *config.Config, d Deps) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}
	if d.Clock == nil {
		d.Clock = time.Now
	}
	if d.Window == (domain.JoinWindow{}) {
		d.Window = domain.DefaultJoinWindow()
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions("ClassroomSessions", store))
	r.Use(ClientTokenMiddleware())
	r.Use(IdentityMiddleware())

	if cfg.StaticPath != "" {
		r.Static("/static", cfg.StaticPath)
		r.GET("/", func(c *gin.Context) {
			c.File(cfg.StaticPath + "/index.html")
		})
	}

	log.Info().Str("module", "adapters.http").Str("static", cfg.StaticPath).Msg("router setup")

	h := &handlers{Deps: d, gate: gate.New(d.Stores)}
	ctl := signal.NewSignalWSController(d.Hub, d.Registry, app.SimplePolicy{})
	if cfg.ReadLimit > 0 {
		ctl.ReadLimit = cfg.ReadLimit
	}
	if cfg.PingPeriod > 0 {
		ctl.PingPeriod = cfg.PingPeriod
	}

	api := r.Group("/api")
	api.Use(CORSMiddleware())

	api.GET("/health", h.health)
	api.GET("/session", h.whoAmI)
	api.POST("/session", h.login)
	api.DELETE("/session", h.logout)

	api.GET("/modules/:id", h.getModule)
	api.PUT("/modules/:id/status", h.setModuleStatus)
	api.GET("/modules/:id/owner", h.moduleOwner)
	api.GET("/modules/:id/eligibility", h.eligibility)
	api.GET("/modules/:id/messages", h.history)
	api.POST("/modules/:id/messages", h.sendMessage)
	api.GET("/courses/:id/teacher", h.courseTeacher)
	api.GET("/profiles/:id", h.getProfile)

	api.POST("/token", h.issueToken)
	api.OPTIONS("/*any", func(c *gin.Context) {})

	api.GET("/ws/realtime", func(c *gin.Context) {
		log.Info().Str("module", "adapters.http").Str("sid", c.GetString("client_token")).Msg("ws realtime endpoint hit")
		ctl.HandleSignal(ctx, c)
	})

	return r
}
