package progress

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/fatih/color"
	"github.com/schollz/progressbar/v3"

	"github.com/arvindh/leech/internal/logging"
)

// Render drains events from the Sink until it is closed, printing a live
// piece-count bar to w and a short summary line for Metadata,
// InitialPeerCount, and FinalStatus. NewConnection is only logged to log at
// debug level.
// It is meant to run in its own goroutine, joined last on shutdown.
func Render(sink *Sink, numPieces int, w io.Writer, log *slog.Logger) {
	var bar *progressbar.ProgressBar

	for ev := range sink.Events() {
		switch e := ev.(type) {
		case Metadata:
			fmt.Fprintf(w, "%s %s (%d pieces)\n",
				color.CyanString("torrent:"), e.Info.Name, e.Info.NumPieces())
		case InitialPeerCount:
			fmt.Fprintf(w, "%s %d candidates\n", color.CyanString("tracker:"), e.N)
		case NewConnection:
			log.Debug("peer ready", logging.PeerAttr(e.Addr))
		case DownloadedPiece:
			if bar == nil {
				bar = progressbar.NewOptions(numPieces,
					progressbar.OptionSetDescription("downloading"),
					progressbar.OptionSetWriter(w),
					progressbar.OptionShowCount(),
					progressbar.OptionClearOnFinish(),
				)
			}
			_ = bar.Add(1)
		case FinalStatus:
			if bar != nil {
				_ = bar.Finish()
			}
			if e.OK {
				fmt.Fprintln(w, color.GreenString("download complete"))
			} else {
				fmt.Fprintln(w, color.RedString("download failed"))
			}
		}
	}
}
