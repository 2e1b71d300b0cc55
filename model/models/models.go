package models

import (
	_ "github.com/sergiorozada12/marianmt-to-onnx/model/models/marian"
)
