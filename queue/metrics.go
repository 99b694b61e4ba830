package queue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var laneSize = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "automod_queue_lane_tasks",
	Help: "Number of pending tasks per scheduler lane",
}, []string{"lane"})

var taskCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "automod_queue_tasks_executed",
	Help: "Number of tasks executed, by outcome",
}, []string{"outcome"})

var taskDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Name: "automod_queue_task_duration_sec",
	Help: "Duration of task execution",
})
