package app

import "strings"

// Command はアプリケーションの起動モードを表す。
type Command string

const (
	// CommandServe はAPIサーバーモード。
	CommandServe Command = "serve"
	// CommandWorker は期限切れデータの定期削除モード。
	CommandWorker Command = "worker"
	// CommandMigrate はデータベースマイグレーションを実行する。
	CommandMigrate Command = "migrate"
	// CommandHealthcheck はdistroless環境でのDockerヘルスチェック用。
	CommandHealthcheck Command = "healthcheck"
)

// MigrateAction はmigrateサブコマンドの動作。
type MigrateAction string

const (
	MigrateUp     MigrateAction = "up"
	MigrateDown   MigrateAction = "down"
	MigrateStatus MigrateAction = "status"
)

// Invocation はコマンドライン引数の解析結果。
type Invocation struct {
	Command Command
	// ConfigPath は --config で指定されたYAMLファイル。空ならCONFIG_FILEを参照する
	ConfigPath string
	// Migrate はCommandMigrateの場合のみ意味を持つ
	Migrate MigrateAction
}

// ParseArgs はos.Args[1:]を解析する。
// 先頭の非フラグ引数をサブコマンドとして扱い、未知・省略時はserveになる。
// フラグは --config PATH と --config=PATH のみ解釈し、それ以外は無視する。
func ParseArgs(args []string) Invocation {
	inv := Invocation{Command: CommandServe, Migrate: MigrateUp}

	var positional []string
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--config" || arg == "-config":
			if i+1 < len(args) {
				inv.ConfigPath = args[i+1]
				i++
			}
		case strings.HasPrefix(arg, "--config="):
			inv.ConfigPath = strings.TrimPrefix(arg, "--config=")
		case strings.HasPrefix(arg, "-"):
		default:
			positional = append(positional, arg)
		}
	}

	if len(positional) == 0 {
		return inv
	}
	inv.Command = ParseCommand(positional[:1])

	if inv.Command == CommandMigrate && len(positional) > 1 {
		switch MigrateAction(positional[1]) {
		case MigrateDown:
			inv.Migrate = MigrateDown
		case MigrateStatus:
			inv.Migrate = MigrateStatus
		}
	}
	return inv
}

// ParseCommand は先頭の引数からサブコマンドを解析する。
// 引数が空またはサポート外のコマンドの場合はCommandServeを返す。
func ParseCommand(args []string) Command {
	if len(args) == 0 {
		return CommandServe
	}

	switch Command(args[0]) {
	case CommandWorker, CommandMigrate, CommandHealthcheck:
		return Command(args[0])
	default:
		return CommandServe
	}
}
