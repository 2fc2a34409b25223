// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"reflect"

	"git.arvados.org/calcjob.git/lib/config"
	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// watchConfig calls fn when the file at cfgPath changes to a valid
// config that differs from prevcfg. Changes that fail to load are
// logged and ignored.
func watchConfig(ctx context.Context, logger logrus.FieldLogger, cfgPath string, prevcfg *config.Config, fn func()) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.WithError(err).Error("fsnotify setup failed")
		return
	}
	defer watcher.Close()

	err = watcher.Add(cfgPath)
	if err != nil {
		logger.WithError(err).Error("fsnotify watcher failed")
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			logger.WithError(err).Warn("fsnotify watcher reported error")
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			for len(watcher.Events) > 0 {
				<-watcher.Events
			}
			if ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
				// Editors often replace the file; keep
				// watching the new one.
				watcher.Remove(cfgPath)
				if err := watcher.Add(cfgPath); err != nil {
					logger.WithError(err).Warn("config file disappeared; no longer watching for changes")
					return
				}
			}
			cfg, err := config.LoadFile(cfgPath, nil, nil)
			if err != nil {
				logger.WithError(err).Warn("error reloading config file after change detected; ignoring new config for now")
			} else if reflect.DeepEqual(cfg, prevcfg) {
				logger.Debug("config file changed but is still DeepEqual to the existing config")
			} else {
				logger.Info("config changed")
				fn()
				prevcfg = cfg
			}
		}
	}
}

