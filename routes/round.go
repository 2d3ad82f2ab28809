package routes

import (
	"strings"

	"wingo/controllers"
	"wingo/models"
	"wingo/utils"

	"github.com/gofiber/fiber/v2"
)

// RegisterRoutes mounts the engine's HTTP surface.
func RegisterRoutes(app *fiber.App) {
	api := app.Group("/api/v1")

	// public
	api.Get("/round/current", controllers.CurrentRound)
	api.Get("/round/history", controllers.RoundHistory)

	// scheduler/operator trigger, IP-allowlisted inside the handler
	api.Post("/settle", controllers.SettleRound)

	// player surface
	authed := api.Group("", jwtProtected())
	authed.Post("/wager", controllers.PlaceWager)
	authed.Get("/wagers", controllers.MyWagers)
	authed.Get("/balance", controllers.GetBalance)
	authed.Get("/state", controllers.GameState)
}

func jwtProtected() fiber.Handler {
	return func(c *fiber.Ctx) error {
		auth := c.Get("Authorization")
		token := strings.TrimPrefix(auth, "Bearer ")
		if token == "" || token == auth {
			return c.Status(401).JSON(models.NewErrorResponse(401, 1, "missing bearer token"))
		}

		claims, err := utils.VerifyJWTToken(token)
		if err != nil {
			return c.Status(401).JSON(models.NewErrorResponse(401, 1, "invalid token"))
		}

		c.Locals("user", claims)
		return c.Next()
	}
}
