package observability

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/term"
)

var startTime = time.Now()

const (
	colorReset = "\033[0m"
	colorGreen = "\033[92m"
	colorAmber = "\033[93m"
	colorRed   = "\033[91m"
	colorCyan  = "\033[96m"
)

// Screen layout: banner on rows 1-8, status on row 9, logs scroll from row 11.
const (
	statusRow = 9
	logsRow   = 11
)

// termMu keeps log writes from landing inside a status line redraw.
var termMu sync.Mutex

type termWriter struct{}

func (termWriter) Write(p []byte) (int, error) {
	termMu.Lock()
	defer termMu.Unlock()
	return os.Stderr.Write(p)
}

// NewTermWriter returns a writer for log.SetOutput that never interleaves
// with PrintLiveStatus.
func NewTermWriter() *termWriter {
	return &termWriter{}
}

const banner = `    ____             _     ______  _ __      __
   / __ \_________  (_)___/ / __ \(_) /___  / /_
  / / / / ___/ __ \/ / __  / /_/ / / / __ \/ __/
 / /_/ / /  / /_/ / / /_/ / ____/ / / /_/ / /_
/_____/_/   \____/_/\__,_/_/   /_/_/\____/\__/
        >> AUTONOMOUS ANDROID OPERATOR <<`

func PrintBanner() {
	fmt.Print("\033[2J\033[H")
	width := 80
	if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil {
		width = w
	}
	for _, l := range strings.Split(banner, "\n") {
		pad := max((width-len(l))/2, 0)
		fmt.Printf("%s%s%s%s\n", strings.Repeat(" ", pad), colorCyan, l, colorReset)
	}
}

func InitializeTerminal() {
	fmt.Printf("\033[%d;r\033[%d;1H", logsRow, logsRow)
}

func CleanupTerminal() {
	fmt.Print("\033[r\033[2J\033[H")
}

// PrintLiveStatus redraws the status row in place.
func PrintLiveStatus() {
	state, task, lastHB := GetStatus()
	line := statusLine(state, task, time.Since(lastHB), time.Since(startTime))

	termMu.Lock()
	defer termMu.Unlock()
	fmt.Printf("\033[s\033[%d;1H\033[K%s\033[u", statusRow, line)
}

// statusLine renders one dashboard line: heartbeat health, what the device
// is doing and uptime.
func statusLine(state State, task string, sinceHB, uptime time.Duration) string {
	health, color := "HEALTHY", colorGreen
	switch {
	case sinceHB >= 90*time.Second:
		health, color = "OFFLINE", colorRed
	case sinceHB >= 40*time.Second:
		health, color = "LAGGING", colorAmber
	}

	icon := "💤"
	switch state {
	case StateRunning:
		icon = "📱"
	case StateRecovering:
		icon = "🩹"
	}

	if task == "" {
		task = "Waiting..."
	}
	if len(task) > 28 {
		task = task[:25] + "..."
	}
	return fmt.Sprintf("%s● %-7s%s | %s %-7s | %s | up %s",
		color, health, colorReset, icon, state, task, uptime.Round(time.Second))
}
