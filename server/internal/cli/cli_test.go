package cli

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"

	"interview-engine/server/internal/config"
	"interview-engine/server/internal/interview"
	"interview-engine/server/internal/model"
	"interview-engine/server/internal/session"
	"interview-engine/server/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T, dbPath string) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Interview.MinAnswerLength = 0
	cfg.Interview.MaxDepthScore = 1
	if dbPath != "" {
		cfg.Storage.Driver = "sqlite"
		cfg.Storage.Path = dbPath
	}
	return cfg
}

func TestRunChat(t *testing.T) {
	a, err := newApp(testConfig(t, ""))
	require.NoError(t, err)
	defer a.close()

	input := strings.Join([]string{
		"/undo",
		"",
		// 没有深度关键词，触发预设追问；追问的回答有深度，进入下一题
		"好",
		"我记得那次经历很难忘",
		"/stats",
		"/skip", "/skip", "/skip", "/skip", "/skip",
		"这一行不会被读取",
	}, "\n")
	var out bytes.Buffer
	err = runChat(context.Background(), a.manager, chatOptions{Request: session.CreateRequest{UserName: "小明"}}, strings.NewReader(input), &out)
	require.NoError(t, err)

	text := out.String()
	assert.Contains(t, text, "小明")
	assert.Contains(t, text, "【第1/6题】")
	assert.Contains(t, text, "no history to undo")
	assert.Contains(t, text, "progress 1/6")
	assert.Contains(t, text, interview.CompletionMessage)
	assert.Contains(t, text, "progress 6/6  answers 2  skips 5")
}

func TestRunChatQuit(t *testing.T) {
	a, err := newApp(testConfig(t, ""))
	require.NoError(t, err)
	defer a.close()

	var out bytes.Buffer
	err = runChat(context.Background(), a.manager, chatOptions{Resumable: a.resumable()}, strings.NewReader("/quit\n"), &out)
	require.NoError(t, err)
	assert.Contains(t, out.String(), "session discarded")
	assert.NotContains(t, out.String(), "resume later")

	sessions := a.manager.ListActive(context.Background())
	require.Len(t, sessions, 1)
	assert.Equal(t, model.StatusActive, sessions[0].Status)
}

func TestRunChatRejectsUnknownTopic(t *testing.T) {
	a, err := newApp(testConfig(t, ""))
	require.NoError(t, err)
	defer a.close()

	err = runChat(context.Background(), a.manager, chatOptions{Request: session.CreateRequest{Topics: []string{"火星-德育"}}}, strings.NewReader(""), &bytes.Buffer{})
	assert.ErrorIs(t, err, model.ErrInvalidInput)
}

// TestRunChatResume 用 SQLite 存储时，/quit 后可以在新进程里按 ID 继续。
func TestRunChatResume(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "chat.db")
	ctx := context.Background()

	a, err := newApp(testConfig(t, dbPath))
	require.NoError(t, err)
	require.True(t, a.resumable())
	var out bytes.Buffer
	err = runChat(ctx, a.manager, chatOptions{Request: session.CreateRequest{UserName: "小刚"}, Resumable: true},
		strings.NewReader("我觉得收获很大\n/quit\n"), &out)
	require.NoError(t, err)
	active := a.manager.ListActive(ctx)
	require.Len(t, active, 1)
	id := active[0].ID
	assert.Contains(t, out.String(), "chat --resume "+id)
	a.close()

	b, err := newApp(testConfig(t, dbPath))
	require.NoError(t, err)
	defer b.close()
	out.Reset()
	err = runChat(ctx, b.manager, chatOptions{Resume: id, Resumable: true}, strings.NewReader("/stats\n/quit\n"), &out)
	require.NoError(t, err)
	text := out.String()
	assert.Contains(t, text, "(resumed)")
	assert.Contains(t, text, "> 我觉得收获很大")
	assert.Contains(t, text, "progress 1/6  answers 1")

	err = runChat(ctx, b.manager, chatOptions{Resume: "missing"}, strings.NewReader(""), &bytes.Buffer{})
	assert.ErrorIs(t, err, model.ErrSessionNotFound)
}

func TestPrintTopics(t *testing.T) {
	a, err := newApp(testConfig(t, ""))
	require.NoError(t, err)
	defer a.close()

	var out bytes.Buffer
	require.NoError(t, printTopics(&out, a.catalog))
	assert.Contains(t, out.String(), "CORE QUESTION")
	assert.Contains(t, out.String(), "学校-德育")
	assert.Contains(t, out.String(), "15 topics, 3 scenes x 5 education types")
}

func TestOpenStoreRejectsUnknownDriver(t *testing.T) {
	_, err := openStore(config.StorageConfig{Driver: "badger"})
	assert.Error(t, err)
}

// TestExportImportCommands 通过命令行把一个 SQLite 库里的会话导出，再导入另一个库。
func TestExportImportCommands(t *testing.T) {
	dir := t.TempDir()
	srcDB := filepath.Join(dir, "src.db")
	dstDB := filepath.Join(dir, "dst.db")

	a, err := newApp(testConfig(t, srcDB))
	require.NoError(t, err)
	var chatOut bytes.Buffer
	err = runChat(context.Background(), a.manager,
		chatOptions{Request: session.CreateRequest{UserName: "小红"}, Resumable: a.resumable()},
		strings.NewReader("我觉得收获很大\n/skip\n/quit\n"), &chatOut)
	require.NoError(t, err)
	assert.Contains(t, chatOut.String(), "resume later")
	active := a.manager.ListActive(context.Background())
	require.Len(t, active, 1)
	id := active[0].ID
	a.close()

	srcCfg := filepath.Join(dir, "src.yaml")
	dstCfg := filepath.Join(dir, "dst.yaml")
	require.NoError(t, config.Write(srcCfg, testConfig(t, srcDB)))
	require.NoError(t, config.Write(dstCfg, testConfig(t, dstDB)))
	reportFile := filepath.Join(dir, "report.json")

	run := func(args ...string) string {
		t.Helper()
		var out bytes.Buffer
		rootCmd.SetOut(&out)
		rootCmd.SetErr(&out)
		rootCmd.SetArgs(args)
		require.NoError(t, rootCmd.Execute(), out.String())
		return out.String()
	}
	t.Cleanup(func() { exportOutput, statsFrom, statsTo = "", "", "" })

	out := run("--config", srcCfg, "export", id, "-o", reportFile)
	assert.Contains(t, out, reportFile)

	out = run("--config", dstCfg, "import", reportFile)
	assert.Contains(t, out, "imported session "+id)

	out = run("--config", dstCfg, "stats", "--from", "2000-01-01")
	assert.Contains(t, out, `"total_sessions": 1`)
	assert.Contains(t, out, `"total_logs": 2`)

	st, err := store.NewSQLiteStore(dstDB)
	require.NoError(t, err)
	defer st.Close()
	entries, err := st.Entries(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, model.KindCore, entries[0].Kind)
	assert.Equal(t, model.KindSkip, entries[1].Kind)
}
