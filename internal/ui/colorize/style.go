package colorize

// IDALabel is the accent color the watch TUI's header uses for its
// hooks enabled/disabled banner, matching the yellow Address uses
// elsewhere in this package.
const IDALabel = "#FFC800"
