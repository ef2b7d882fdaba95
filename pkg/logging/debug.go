package logging

// debugEnable is set through the linker to bake verbose diagnostics into a
// build.
var debugEnable string

// Debuggable gates the high-volume debug sections. It is fixed for the life
// of the process; guarded blocks compile away in ordinary builds.
var Debuggable = debugEnable != ""
