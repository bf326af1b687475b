package httputil

import (
	"encoding/json"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v3"
)

func TestSuccess(t *testing.T) {
	t.Parallel()

	app := fiber.New()
	app.Get("/", func(c fiber.Ctx) error {
		return Success(c, fiber.Map{"hello": "world"})
	})

	resp, err := app.Test(httptest.NewRequest("GET", "/", nil))
	if err != nil {
		t.Fatalf("Test: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != fiber.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}

	body, _ := io.ReadAll(resp.Body)
	var got SuccessResponse
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatalf("unmarshal body: %v", err)
	}
	data, ok := got.Data.(map[string]any)
	if !ok || data["hello"] != "world" {
		t.Errorf("Data = %v, want hello=world", got.Data)
	}
}

func TestSuccessStatus(t *testing.T) {
	t.Parallel()

	app := fiber.New()
	app.Post("/", func(c fiber.Ctx) error {
		return SuccessStatus(c, fiber.StatusCreated, fiber.Map{"id": "x"})
	})

	resp, err := app.Test(httptest.NewRequest("POST", "/", nil))
	if err != nil {
		t.Fatalf("Test: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != fiber.StatusCreated {
		t.Errorf("status = %d, want 201", resp.StatusCode)
	}
}

func TestFail(t *testing.T) {
	t.Parallel()

	app := fiber.New()
	app.Get("/", func(c fiber.Ctx) error {
		return Fail(c, fiber.StatusNotFound, NotFound, "no such board")
	})

	resp, err := app.Test(httptest.NewRequest("GET", "/", nil))
	if err != nil {
		t.Fatalf("Test: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != fiber.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}

	body, _ := io.ReadAll(resp.Body)
	var got ErrorResponse
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatalf("unmarshal body: %v", err)
	}
	if got.Error.Code != NotFound {
		t.Errorf("Code = %q, want %q", got.Error.Code, NotFound)
	}
	if got.Error.Message != "no such board" {
		t.Errorf("Message = %q, want %q", got.Error.Message, "no such board")
	}
}
