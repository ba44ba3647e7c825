package emulator

// CommandPacket is a command packet that is sent to the
// session executor to mutate the emulator.
type CommandPacket struct {
	Command Command
	Data    []byte
}

// Command is a command that is sent to the emulator to
// control it.
type Command int

// ResponsePacket is a response packet that is sent
// from the executor back to the caller.
type ResponsePacket struct {
	Command Command
	Data    []byte
	Error   error
}

const (
	// CommandBootstrap instantiates the core.
	CommandBootstrap Command = iota
	// CommandLoadCartridge mounts and starts a cartridge.
	CommandLoadCartridge
	// CommandPause pauses the emulator.
	CommandPause
	// CommandResume resumes the emulator.
	CommandResume
	// CommandStop releases the active cartridge.
	CommandStop
	// CommandSaveState snapshots the emulator into a slot.
	CommandSaveState
	// CommandLoadState restores the emulator from a slot.
	CommandLoadState
	// CommandSetCheat applies or reverts a cheat.
	CommandSetCheat
	// CommandReload restarts the active cartridge.
	CommandReload
	// CommandScreenshot captures the screen.
	CommandScreenshot
	// CommandImportSave replaces a battery save.
	CommandImportSave
	// CommandExportSave flushes and reads a battery save.
	CommandExportSave
	// CommandDeleteState removes a save-state slot.
	CommandDeleteState
	// CommandEditCheat adds or removes a cheat.
	CommandEditCheat
	// CommandImportArchive restores files from an archive.
	CommandImportArchive
)

var commandNames = [...]string{
	CommandBootstrap:     "bootstrap",
	CommandLoadCartridge: "load-cartridge",
	CommandPause:         "pause",
	CommandResume:        "resume",
	CommandStop:          "stop",
	CommandSaveState:     "save-state",
	CommandLoadState:     "load-state",
	CommandSetCheat:      "set-cheat",
	CommandReload:        "reload",
	CommandScreenshot:    "screenshot",
	CommandImportSave:    "import-save",
	CommandExportSave:    "export-save",
	CommandDeleteState:   "delete-state",
	CommandEditCheat:     "edit-cheat",
	CommandImportArchive: "import-archive",
}

func (c Command) String() string {
	if c < 0 || int(c) >= len(commandNames) {
		return "unknown"
	}
	return commandNames[c]
}
