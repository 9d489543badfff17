package handler

import (
	"context"
	"fmt"

	"github.com/partshive/partshive/taskplane/task"
)

// PrinterDiscoveryHandler scans the local network for label printers.
type PrinterDiscoveryHandler struct {
	BaseHandler
	printers PrinterScanner
}

func NewPrinterDiscoveryHandler(printers PrinterScanner) *PrinterDiscoveryHandler {
	return &PrinterDiscoveryHandler{
		BaseHandler: BaseHandler{
			TaskType:  task.TypePrinterDiscovery,
			HumanName: "Printer Discovery",
			Desc:      "Scan the local network for label printers",
		},
		printers: printers,
	}
}

func (h *PrinterDiscoveryHandler) Execute(ctx context.Context, t *task.Task, rep Reporter) (task.JSONMap, error) {
	if err := rep.Progress(ctx, 10, "scanning network"); err != nil {
		return nil, err
	}
	found, err := h.printers.Discover(ctx)
	if err != nil {
		return nil, fmt.Errorf("printer discovery: %w", err)
	}
	printers := make([]interface{}, 0, len(found))
	for _, p := range found {
		printers = append(printers, map[string]interface{}(p))
	}
	return task.JSONMap{"count": len(found), "printers": printers}, nil
}

// EmailNotificationHandler sends a single notification mail.
type EmailNotificationHandler struct {
	BaseHandler
	mailer Mailer
}

func NewEmailNotificationHandler(mailer Mailer) *EmailNotificationHandler {
	return &EmailNotificationHandler{
		BaseHandler: BaseHandler{
			TaskType:  task.TypeEmailNotification,
			HumanName: "Email Notification",
			Desc:      "Send a notification email",
		},
		mailer: mailer,
	}
}

func (h *EmailNotificationHandler) Execute(ctx context.Context, t *task.Task, rep Reporter) (task.JSONMap, error) {
	to, err := h.RequireString(t, "to")
	if err != nil {
		return nil, err
	}
	subject, err := h.RequireString(t, "subject")
	if err != nil {
		return nil, err
	}
	body := h.StringInput(t, "body")

	if err := rep.Progress(ctx, 20, "sending mail"); err != nil {
		return nil, err
	}
	if err := h.mailer.Send(ctx, to, subject, body); err != nil {
		return nil, fmt.Errorf("send mail to %s: %w", to, err)
	}
	return task.JSONMap{"to": to, "subject": subject, "sent": true}, nil
}
