package middleware

import (
	"github.com/labstack/echo/v4"

	"github.com/ofisk/loresmith-ai/backend/pkg/assembly"
	"github.com/ofisk/loresmith-ai/backend/pkg/changelog"
	"github.com/ofisk/loresmith-ai/backend/pkg/dedupe"
	"github.com/ofisk/loresmith-ai/backend/pkg/extract"
	"github.com/ofisk/loresmith-ai/backend/pkg/graph"
	"github.com/ofisk/loresmith-ai/backend/pkg/rebuild"
)

// App holds the services the HTTP handlers call. Scheduler may be nil,
// in which case recorded changelog entries never queue a rebuild.
type App struct {
	Extraction *extract.Pipeline
	Dedupe     *dedupe.Service
	Graph      *graph.Service
	Recorder   *changelog.Recorder
	Archive    *changelog.Service
	Assembly   *assembly.Service
	Scheduler  *rebuild.Scheduler
}

type AppContext struct {
	echo.Context
	App *App
}

func AppContextMiddleware(app *App) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			cc := &AppContext{c, app}
			return next(cc)
		}
	}
}

// GetApp returns the App of a request that went through AppContextMiddleware.
func GetApp(c echo.Context) *App {
	return c.(*AppContext).App
}
