package scheduler

import (
	"context"
	"log/slog"

	"github.com/user/resumechat/internal/conversation"
	"github.com/user/resumechat/internal/delivery"
	"github.com/user/resumechat/internal/dispatch"
	"github.com/user/resumechat/internal/reconcile"
	"github.com/user/resumechat/internal/state"
	"github.com/user/resumechat/internal/types"
)

// Runner returns the Handler that carries out fired jobs. Sync jobs refresh
// the conversation list. Send jobs queue their prompt and, when the job
// names a destination, deliver the reply there.
func Runner(ctx context.Context, store *conversation.Store, d *dispatch.Dispatcher, reg *delivery.Registry) Handler {
	return func(job state.Job) {
		switch job.Kind {
		case state.JobSync:
			convs, err := store.ListConversations(ctx)
			if err != nil {
				slog.Warn("scheduled sync failed", "name", job.Name, "error", err)
				return
			}
			slog.Debug("scheduled sync", "name", job.Name, "conversations", len(convs))

		case state.JobSend:
			_, err := d.Submit(types.ConversationID(job.ConversationID), job.Prompt, job.UseAgent,
				dispatch.WithSource("cron:"+job.Name),
				dispatch.WithOnComplete(func(j *dispatch.Job) {
					if job.Notify == "" || reg == nil {
						return
					}
					if j.Err != nil || j.Outcome.Status != reconcile.Completed {
						slog.Warn("scheduled send did not complete", "name", job.Name, "status", j.Status, "error", j.Err)
						return
					}
					if err := reg.Deliver(job.Notify, j.Outcome.Reply.Content); err != nil {
						slog.Error("deliver scheduled reply", "name", job.Name, "notify", job.Notify, "error", err)
					}
				}),
			)
			if err != nil {
				slog.Error("queue scheduled send", "name", job.Name, "error", err)
			}

		default:
			slog.Warn("unknown job kind", "name", job.Name, "kind", job.Kind)
		}
	}
}
