package server

import (
	"encoding/base64"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/PocketPalCo/receipt-loyalty-service/internal/core/cloud"
	"github.com/PocketPalCo/receipt-loyalty-service/internal/core/language"
	"github.com/PocketPalCo/receipt-loyalty-service/internal/core/ledger"
	"github.com/PocketPalCo/receipt-loyalty-service/internal/core/loyalty"
	"github.com/PocketPalCo/receipt-loyalty-service/internal/core/queue"
	"github.com/gofiber/fiber/v2"
	"go.opentelemetry.io/otel/attribute"
)

const sourceHTTP = "http"

type handlers struct {
	deps Deps
}

// receiptRequest carries either a stored image reference or the image itself.
type receiptRequest struct {
	CustomerRef string `json:"customerRef"`
	ImageRef    string `json:"imageRef"`
	Image       string `json:"image"`
	ContentType string `json:"contentType"`
	Source      string `json:"source"`
	Locale      string `json:"locale"`
}

type redeemRequest struct {
	RewardID string `json:"rewardId"`
}

func (h *handlers) createReceipt(c *fiber.Ctx) error {
	ctx, span := tracer.Start(c.UserContext(), "server.CreateReceipt")
	defer span.End()

	var req receiptRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	req.CustomerRef = strings.TrimSpace(req.CustomerRef)
	if req.CustomerRef == "" {
		return fiber.NewError(fiber.StatusBadRequest, "customerRef is required")
	}
	if (req.ImageRef == "") == (req.Image == "") {
		return fiber.NewError(fiber.StatusBadRequest, "exactly one of imageRef or image is required")
	}
	if req.Source == "" {
		req.Source = sourceHTTP
	}
	span.SetAttributes(attribute.String("customer_ref", req.CustomerRef))

	imageRef := req.ImageRef
	if req.Image != "" {
		image, err := base64.StdEncoding.DecodeString(req.Image)
		if err != nil || len(image) == 0 {
			return fiber.NewError(fiber.StatusBadRequest, "image must be non-empty base64")
		}
		if req.ContentType == "" {
			req.ContentType = http.DetectContentType(image)
		}

		imageRef, err = h.deps.Images.StoreReceiptImage(ctx, req.CustomerRef, req.Source, image, req.ContentType)
		if errors.Is(err, cloud.ErrFileTooLarge) {
			return fiber.NewError(fiber.StatusRequestEntityTooLarge, "image is too large")
		}
		if err != nil {
			span.RecordError(err)
			return err
		}
	}

	item, err := h.deps.Queue.Enqueue(ctx, queue.Payload{
		ImageRef:    imageRef,
		CustomerRef: req.CustomerRef,
		ContentType: req.ContentType,
		Source:      req.Source,
		Locale:      language.NormalizeLanguageCode(req.Locale),
	})
	if err != nil {
		span.RecordError(err)
		if req.Image != "" {
			if delErr := h.deps.Images.DeleteFile(ctx, imageRef); delErr != nil {
				h.deps.Logger.Warn("failed to remove orphaned receipt image", "error", delErr, "image_ref", imageRef)
			}
		}
		return err
	}

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"id": item.ID, "status": item.Status})
}

func (h *handlers) getWorkItem(c *fiber.Ctx) error {
	item, err := h.deps.Queue.Get(c.UserContext(), c.Params("id"))
	if errors.Is(err, queue.ErrNotFound) {
		return fiber.NewError(fiber.StatusNotFound, "work item not found")
	}
	if err != nil {
		return err
	}
	return c.JSON(item)
}

func (h *handlers) listWorkItems(c *fiber.Ctx) error {
	status := queue.Status(c.Query("status", string(queue.StatusDeadLetter)))
	if !status.Valid() {
		return fiber.NewError(fiber.StatusBadRequest, "unknown status")
	}
	limit, err := strconv.Atoi(c.Query("limit", "100"))
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "limit must be a number")
	}

	items, err := h.deps.Queue.List(c.UserContext(), status, limit)
	if err != nil {
		return err
	}
	if items == nil {
		items = []queue.WorkItem{}
	}
	return c.JSON(fiber.Map{"items": items})
}

func (h *handlers) requeueWorkItem(c *fiber.Ctx) error {
	item, err := h.deps.Queue.Requeue(c.UserContext(), c.Params("id"))
	switch {
	case errors.Is(err, queue.ErrNotFound):
		return fiber.NewError(fiber.StatusNotFound, "work item not found")
	case errors.Is(err, queue.ErrNotRequeueable):
		return fiber.NewError(fiber.StatusConflict, err.Error())
	case err != nil:
		return err
	}
	return c.JSON(item)
}

func (h *handlers) sweep(c *fiber.Ctx) error {
	report, err := h.deps.Queue.RunOnce(c.UserContext())
	if err != nil {
		return err
	}
	return c.JSON(report)
}

func (h *handlers) progress(c *fiber.Ctx) error {
	progress, err := h.deps.Loyalty.ProgressFor(c.UserContext(), c.Params("customer"), c.Params("slug"))
	if err != nil {
		return err
	}
	if progress == nil {
		progress = []loyalty.Progress{}
	}
	return c.JSON(fiber.Map{"progress": progress})
}

func (h *handlers) summary(c *fiber.Ctx) error {
	summary, err := h.deps.Ledger.CustomerSummary(c.UserContext(), c.Params("customer"), c.Params("slug"))
	if errors.Is(err, ledger.ErrCustomerNotFound) {
		return fiber.NewError(fiber.StatusNotFound, "no purchases for this merchant")
	}
	if err != nil {
		return err
	}
	return c.JSON(summary)
}

func (h *handlers) redeem(c *fiber.Ctx) error {
	var req redeemRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
		}
	}

	progress, redemption, err := h.deps.Loyalty.Redeem(c.UserContext(),
		c.Params("customer"), c.Params("slug"), c.Params("program"), req.RewardID)
	switch {
	case errors.Is(err, loyalty.ErrProgramNotFound):
		return fiber.NewError(fiber.StatusNotFound, "program not found")
	case errors.Is(err, loyalty.ErrNotRedeemable):
		return fiber.NewError(fiber.StatusConflict, "reward is not redeemable")
	case errors.Is(err, loyalty.ErrConflict):
		return fiber.NewError(fiber.StatusConflict, "progress changed, retry")
	case err != nil:
		return err
	}

	return c.JSON(fiber.Map{"progress": progress, "redemption": redemption})
}
