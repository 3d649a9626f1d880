package superres_test

import _ "github.com/bool64/dev" // Include development helpers to project.
