/**
 * Conference focus agent for multi-party XMPP calls.
 * Copyright (C) 2022 struktur AG
 *
 * @author Joachim Bauch <bauch@struktur.de>
 *
 * @license GNU AGPL version 3 or any later version
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/dlintw/goconf"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"mellium.im/xmpp/component"
	"mellium.im/xmpp/jid"

	"github.com/strukturag/conference-focus"
)

var (
	version = "unreleased"

	configFlag = flag.String("config", "focus.conf", "config file to use")
	showVersion = flag.Bool("version", false, "print version and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("focus version %s/%s\n", version, runtime.Version())
		os.Exit(0)
	}

	config, err := goconf.ReadConfigFile(*configFlag)
	if err != nil {
		fmt.Printf("Could not read configuration: %s\n", err)
		os.Exit(1)
	}

	var logConfig zap.Config
	if debug, _ := config.GetBool("app", "debug"); debug {
		logConfig = zap.NewDevelopmentConfig()
	} else {
		logConfig = zap.NewProductionConfig()
		logConfig.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	log, err := logConfig.Build(
		// Only log stack traces when panicing.
		zap.AddStacktrace(zap.DPanicLevel),
	)
	if err != nil {
		fmt.Printf("Could not create logger: %s\n", err)
		os.Exit(1)
	}

	restoreGlobalLogs := zap.ReplaceGlobals(log)
	defer restoreGlobalLogs()

	log.Info("Starting up",
		zap.String("version", version),
		zap.Int("pid", os.Getpid()),
	)

	cfg, err := focus.LoadConfig(log, config)
	if err != nil {
		log.Fatal("Could not load configuration",
			zap.Error(err),
		)
	}

	domain, _ := focus.GetStringOptionWithEnv(config, "xmpp", "domain")
	address, err := jid.Parse(domain)
	if err != nil {
		log.Fatal("Invalid component domain",
			zap.String("domain", domain),
			zap.Error(err),
		)
	}
	server, _ := focus.GetStringOptionWithEnv(config, "xmpp", "server")
	if server == "" {
		server = "localhost:5347"
	}
	secret, _ := focus.GetStringOptionWithEnv(config, "xmpp", "secret")

	events, err := focus.NewNatsClient(log, cfg.EventsUrl)
	if err != nil {
		log.Fatal("Could not create events client",
			zap.Error(err),
		)
	}
	defer events.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	conn, err := net.Dial("tcp", server)
	if err != nil {
		log.Fatal("Could not connect to XMPP server",
			zap.String("server", server),
			zap.Error(err),
		)
	}

	session, err := component.NewSession(ctx, address, []byte(secret), conn)
	if err != nil {
		log.Fatal("Could not negotiate component stream",
			zap.Error(err),
		)
	}

	comp := focus.NewComponent(log, session)
	defer comp.Close()

	f, err := focus.NewFocus(log, comp, address, cfg, events)
	if err != nil {
		log.Fatal("Could not create focus",
			zap.Error(err),
		)
	}
	comp.SetFocus(f)
	f.Start()
	defer f.Stop()

	if cfg.ListenHttp != "" {
		status := focus.NewStatusServer(log, f.Selector())
		if err := status.Listen(cfg.ListenHttp); err != nil {
			log.Fatal("Could not start status server",
				zap.Error(err),
			)
		}
		defer status.Close()
	}

	watcher, err := focus.NewFileWatcher(log, *configFlag, func(filename string) {
		updated, err := goconf.ReadConfigFile(filename)
		if err != nil {
			log.Error("Could not reload configuration",
				zap.String("filename", filename),
				zap.Error(err),
			)
			return
		}
		reloaded, err := focus.LoadConfig(log, updated)
		if err != nil {
			log.Error("Could not parse reloaded configuration",
				zap.Error(err),
			)
			return
		}
		f.Reload(reloaded)
		log.Info("Configuration reloaded")
	})
	if err != nil {
		log.Warn("Could not watch configuration file",
			zap.Error(err),
		)
	} else {
		defer watcher.Close() // nolint
	}

	go func() {
		<-ctx.Done()
		session.Close() // nolint
	}()

	if err := comp.Serve(); err != nil && ctx.Err() == nil {
		log.Fatal("Session ended",
			zap.Error(err),
		)
	}
	log.Info("Shutting down")
}
