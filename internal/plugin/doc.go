// Package plugin provides the plugin runtime for the machine host.
//
// Plugins are Lua scripts that can:
//   - React to lifecycle and telemetry events (stateUpdate, shutdown)
//   - Emit their own events to other plugins
//   - Persist small values through asynchronous storage requests
//   - Serve HTTP pages under /api/v1/plugins/<id>/
//   - Call out to the network when granted the "network" capability
//
// # Quick Start
//
// The easiest way to use the runtime is through the System type:
//
//	sys, err := plugin.NewSystem(store, plugin.DefaultSystemConfig())
//	if err != nil {
//	    return err
//	}
//	if err := sys.Start(ctx); err != nil {
//	    return err
//	}
//	defer sys.Shutdown(context.Background())
//
//	sources, _ := plugin.Discover(logger, plugin.Root{Name: "builtin", FS: builtin.FS()})
//	if err := sys.LoadAll(ctx, sources, nil); err != nil {
//	    logger.Warn("some plugins failed to load", "error", err)
//	}
//
//	sys.Publish(plugin.Event{Name: plugin.EventStateUpdate, Payload: telemetry})
//
// # Plugin Structure
//
// A plugin is a directory named after its id:
//
//	time-to-ready.reaplugin/
//	├── plugin.json   # optional manifest
//	└── plugin.lua    # entry point
//
// A bare <id>.lua file at the top of a plugin root is also accepted.
//
// # Module Conventions
//
// A module either assigns a global table:
//
//	Plugin = {
//	    id = "example.plugin",
//	    version = "1.0.0",
//	    onLoad = function(self, ctx) host.log("api " .. ctx.apiVersion) end,
//	    onUnload = function(self) end,
//	    onEvent = function(self, event) end,
//	}
//
// or defines a factory that receives the capability bridge:
//
//	function createPlugin(host)
//	    return {
//	        onLoad = function(self, ctx) end,
//	        onUnload = function(self) end,
//	        onEvent = function(self, event) end,
//	        __httpRequestHandler = function(self, req)
//	            return { status = 200, body = "hello" }
//	        end,
//	    }
//	end
//
// Defining both, or neither, is a load error.
//
// # Lifecycle
//
//	Loading → Loaded → Unloading → Unloaded
//	   └────────┴──→ Failed
//
// Only Loaded plugins receive events and HTTP traffic. Any error raised
// by onLoad or onEvent moves the plugin to Failed, where it stays listed
// but is never called again. Unloading cancels the plugin's timers before
// onUnload runs, and asynchronous completions arriving afterwards are
// dropped.
//
// # Storage
//
// host.storage{type="read"|"write", key=..., data=...} never returns a
// value. The result arrives later as a storageRead or storageWrite event
// addressed only to the requesting plugin, with payload {key, value} and
// an error field when a write failed.
package plugin
