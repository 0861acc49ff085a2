package middleware

import (
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/rabbitmq/amqp091-go"

	"github.com/topiary-ai/topiary/internal/storage"
	"github.com/topiary-ai/topiary/pkg/store"
	"github.com/topiary-ai/topiary/pkg/task"
)

// App bundles the shared dependencies handlers reach through the request
// context.
type App struct {
	DBConn  *pgxpool.Pool
	Queue   *amqp091.Channel
	Bytes   *storage.ContentStore
	Store   *store.Store
	Tracker *task.Tracker
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
