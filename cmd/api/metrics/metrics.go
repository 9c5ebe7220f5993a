package metrics

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	TicketsCreatedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tickets_created_total",
		Help: "Tickets created",
	})
	TicketsUpdatedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tickets_updated_total",
		Help: "Ticket updates, including assign, close and reopen",
	})
	NotificationsCreatedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "notifications_created_total",
		Help: "In-app notifications created",
	})
	EmailsEnqueuedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "emails_enqueued_total",
		Help: "Emails pushed to the worker queue",
	})
)

func init() {
	prometheus.MustRegister(TicketsCreatedTotal, TicketsUpdatedTotal, NotificationsCreatedTotal, EmailsEnqueuedTotal)
}

// Handler exposes the default registry.
func Handler() gin.HandlerFunc { return gin.WrapH(promhttp.Handler()) }
