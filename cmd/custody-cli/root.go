package main

import (
	"context"
	"fmt"

	"evidence-custody/internal/app"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// cli 保存根命令解析出的配置，子命令按需打开 Runtime。
type cli struct {
	v       *viper.Viper
	cfgFile string
	cfg     app.Config
	asJSON  bool
}

func newRootCmd() *cobra.Command {
	c := &cli{v: viper.New()}

	root := &cobra.Command{
		Use:           "custody-cli",
		Short:         "Evidence chain-of-custody and integrity tool",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.Load(c.v, c.cfgFile)
			if err != nil {
				return err
			}
			c.cfg = cfg
			return nil
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&c.cfgFile, "config", "", "config file (default ./custody.yaml or ./config/custody.yaml)")
	pf.BoolVar(&c.asJSON, "json", false, "print results as JSON")
	pf.String("db", "", "sqlite database path")
	pf.String("report-dir", "", "report output directory")
	pf.String("export-dir", "", "case bundle output directory")
	pf.String("policy", "", "custody transition policy: permissive|strict")
	pf.String("log-level", "", "log level: trace|debug|info|warn|error")
	for flag, key := range map[string]string{
		"db":         "db_path",
		"report-dir": "report_dir",
		"export-dir": "export_dir",
		"policy":     "custody.policy",
		"log-level":  "log.level",
	} {
		_ = c.v.BindPFlag(key, pf.Lookup(flag))
	}

	root.AddCommand(
		c.migrateCmd(),
		c.serveCmd(),
		c.caseCmd(),
		c.evidenceCmd(),
		c.custodyCmd(),
		c.reportCmd(),
		c.exportCmd(),
		c.verifyCmd(),
		versionCmd(),
	)
	return root
}

// withRuntime 打开数据库与服务，执行 fn 后关闭。CLI 命令日志只写文件，stdout 留给结果输出。
func (c *cli) withRuntime(ctx context.Context, fn func(rt *app.Runtime) error) error {
	rt, err := app.Open(ctx, c.cfg, true)
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(rt)
}

// emit 按 --json 决定输出 JSON 还是 key=value 行。
func (c *cli) emit(v any, lines func()) error {
	if c.asJSON {
		return printJSON(v)
	}
	lines()
	return nil
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		// 不需要读取配置
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("version=%s commit=%s build_time=%s\n", app.Version, app.Commit, app.BuildTime)
		},
	}
}
