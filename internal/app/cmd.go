package app

import (
	"errors"
	"fmt"
	"strings"
)

// Command はauthportalのサブコマンド。
type Command string

const (
	// CommandServe は認証入口ページとセッション管理を提供するHTTPサーバーを起動する。
	CommandServe Command = "serve"
	// CommandMigrate はauth_storageのスキーマを最新にする。
	CommandMigrate Command = "migrate"
	// CommandHealthcheck は起動中のサーバーの/healthを確認する。distrolessイメージのHEALTHCHECK用。
	CommandHealthcheck Command = "healthcheck"
)

// commands はUsageに表示する順序も兼ねる。
var commands = []struct {
	cmd  Command
	desc string
}{
	{CommandServe, "HTTPサーバーを起動する（既定）"},
	{CommandMigrate, "auth_storageのマイグレーションを適用する"},
	{CommandHealthcheck, "SERVER_PORTの/healthを確認する"},
}

// ErrUnknownCommand は未定義のサブコマンドが指定されたことを示す。
var ErrUnknownCommand = errors.New("unknown command")

// ParseCommand は先頭の引数をサブコマンドとして解釈する。
// 引数がない場合はCommandServe。未定義の名前はErrUnknownCommandとUsageを返す。
func ParseCommand(args []string) (Command, error) {
	if len(args) == 0 {
		return CommandServe, nil
	}

	name := strings.TrimSpace(args[0])
	for _, c := range commands {
		if string(c.cmd) == name {
			return c.cmd, nil
		}
	}
	return "", fmt.Errorf("%w %q\n\n%s", ErrUnknownCommand, name, Usage())
}

// Usage はサブコマンドの一覧を返す。
func Usage() string {
	var b strings.Builder
	b.WriteString("usage: authportal [command]\n\ncommands:\n")
	for _, c := range commands {
		fmt.Fprintf(&b, "  %-12s %s\n", c.cmd, c.desc)
	}
	return b.String()
}
