package device

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleDump = "UI hierchary dumped to: /sdcard/window_dump.xml\n" +
	`<?xml version='1.0' encoding='UTF-8' standalone='yes' ?><hierarchy rotation="0">` +
	`<node index="0" text="" class="android.widget.FrameLayout" clickable="false" enabled="true" bounds="[0,0][1080,2400]">` +
	`<node index="0" text="Settings" class="android.widget.TextView" clickable="true" enabled="true" bounds="[40,200][1040,320]"/>` +
	"<node index=\"1\" text=\"Network &amp;\ninternet\" class=\"android.widget.TextView\" clickable=\"true\" enabled=\"true\" bounds=\"[40,340][1040,460]\"/>" +
	`<node index="2" text="" content-desc="Search settings" class="android.widget.ImageButton" clickable="true" enabled="true" bounds="[900,80][1040,180]"/>` +
	`<node index="3" text="" resource-id="com.android.settings:id/search_box" class="android.widget.EditText" clickable="true" enabled="true" bounds="[40,80][880,180]"/>` +
	`<node index="4" text="Hidden" class="android.widget.TextView" clickable="false" enabled="true" bounds="[0,0][0,0]"/>` +
	`<node index="5" text="Greyed" class="android.widget.Button" clickable="true" enabled="false" bounds="[40,500][1040,600]"/>` +
	"</node></hierarchy>\x00\x01trailing junk"

func TestSanitize(t *testing.T) {
	out := string(Sanitize([]byte(sampleDump)))
	assert.True(t, len(out) > 0)
	assert.Equal(t, "<?xml", out[:5])
	assert.Contains(t, out, `text="Network &amp; internet"`)
	assert.NotContains(t, out, "trailing junk")
	assert.NotContains(t, out, "\x00")
}

func TestParseScene(t *testing.T) {
	scene, err := ParseScene(Sanitize([]byte(sampleDump)))
	require.NoError(t, err)

	assert.Equal(t, 1080, scene.Width)
	assert.Equal(t, 2400, scene.Height)
	require.Len(t, scene.Elements, 4)

	settings := scene.Elements[0]
	assert.Equal(t, 1, settings.ID)
	assert.Equal(t, "Settings", settings.Label)
	assert.True(t, settings.Clickable)
	assert.Equal(t, 540, settings.Bounds.CenterX())
	assert.Equal(t, 260, settings.Bounds.CenterY())

	assert.Equal(t, "Network & internet", scene.Elements[1].Label)
	assert.Equal(t, "Search settings", scene.Elements[2].Label)
	assert.Equal(t, "search_box", scene.Elements[3].Label)
	assert.True(t, scene.Elements[3].Editable)
}

func TestParseScene_Errors(t *testing.T) {
	_, err := ParseScene([]byte("<hierarchy>"))
	assert.Error(t, err)

	_, err = ParseScene([]byte("<hierarchy rotation=\"0\"></hierarchy>"))
	assert.Error(t, err)
}

func TestParseBounds(t *testing.T) {
	r, ok := parseBounds("[10,20][30,40]")
	require.True(t, ok)
	assert.Equal(t, 20, r.CenterX())

	_, ok = parseBounds("10,20,30,40")
	assert.False(t, ok)
}
